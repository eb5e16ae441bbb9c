package channel

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stellarlinkco/nexusbridge/internal/bus"
	"github.com/stellarlinkco/nexusbridge/internal/config"
	"github.com/stellarlinkco/nexusbridge/internal/hub"
)

const (
	telegramChannelName = "telegram"
	relayTextLimit      = 300
	relayQueueSize      = 64
	telegramHTTPTimeout = 30 * time.Second
)

// DefaultRelayTypes are forwarded when no types are configured.
var DefaultRelayTypes = []string{bus.TypeAIResponse, bus.TypeAIChat, bus.TypeSystemAction}

// TelegramBot interface for mocking telegram bot API
type TelegramBot interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetSelf() tgbotapi.User
}

type tgBotWrapper struct {
	bot *tgbotapi.BotAPI
}

func (w *tgBotWrapper) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	return w.bot.Send(c)
}

func (w *tgBotWrapper) GetSelf() tgbotapi.User {
	return w.bot.Self
}

// BotFactory creates TelegramBot instances (allows mocking)
type BotFactory func(token, apiEndpoint string, client *http.Client) (TelegramBot, error)

var defaultBotFactory BotFactory = func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, apiEndpoint, client)
	if err != nil {
		return nil, err
	}
	return &tgBotWrapper{bot: bot}, nil
}

// TelegramRelay is a hub listener that forwards selected envelopes to one
// Telegram chat as short text notifications.
type TelegramRelay struct {
	token      string
	chatID     int64
	proxy      string
	types      map[string]bool
	hub        *hub.Hub
	botFactory BotFactory

	mu      sync.Mutex
	bot     TelegramBot
	entryID string
	outbox  chan tgbotapi.MessageConfig
	quit    chan struct{}
	done    chan struct{}
}

func NewTelegramRelay(cfg config.TelegramConfig, h *hub.Hub) (*TelegramRelay, error) {
	return NewTelegramRelayWithFactory(cfg, h, defaultBotFactory)
}

// NewTelegramRelayWithFactory creates a relay with a custom bot factory (for testing)
func NewTelegramRelayWithFactory(cfg config.TelegramConfig, h *hub.Hub, factory BotFactory) (*TelegramRelay, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	if cfg.ChatID == 0 {
		return nil, fmt.Errorf("telegram chat id is required")
	}
	if h == nil {
		return nil, fmt.Errorf("telegram relay requires a hub")
	}

	types := cfg.Types
	if len(types) == 0 {
		types = DefaultRelayTypes
	}
	set := make(map[string]bool, len(types))
	for _, t := range types {
		set[strings.TrimSpace(t)] = true
	}

	return &TelegramRelay{
		token:      cfg.Token,
		chatID:     cfg.ChatID,
		proxy:      cfg.Proxy,
		types:      set,
		hub:        h,
		botFactory: factory,
	}, nil
}

func (t *TelegramRelay) Name() string { return telegramChannelName }

func (t *TelegramRelay) initBot() error {
	client := &http.Client{Timeout: telegramHTTPTimeout}
	if t.proxy != "" {
		proxyURL, err := url.Parse(t.proxy)
		if err != nil {
			return fmt.Errorf("parse proxy url: %w", err)
		}
		client.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	}

	bot, err := t.botFactory(t.token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return fmt.Errorf("create telegram bot: %w", err)
	}
	t.mu.Lock()
	t.bot = bot
	t.mu.Unlock()
	log.Printf("[telegram] authorized as @%s", bot.GetSelf().UserName)
	return nil
}

func (t *TelegramRelay) Start(ctx context.Context) error {
	if err := t.initBot(); err != nil {
		return err
	}

	outbox := make(chan tgbotapi.MessageConfig, relayQueueSize)
	quit := make(chan struct{})
	done := make(chan struct{})
	t.mu.Lock()
	t.outbox, t.quit, t.done = outbox, quit, done
	t.mu.Unlock()
	go t.deliver(outbox, quit, done)

	entry, err := t.hub.Connect(t)
	if err != nil {
		_ = t.Stop()
		return fmt.Errorf("register telegram relay: %w", err)
	}
	t.mu.Lock()
	t.entryID = entry.ID
	t.mu.Unlock()
	log.Printf("[telegram] relaying %d envelope types to chat %d", len(t.types), t.chatID)
	return nil
}

// deliver is the only goroutine that talks to Telegram, so a slow API call
// never holds up a hub broadcast.
func (t *TelegramRelay) deliver(outbox <-chan tgbotapi.MessageConfig, quit <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-quit:
			return
		case msg := <-outbox:
			t.mu.Lock()
			bot := t.bot
			t.mu.Unlock()
			if _, err := bot.Send(msg); err != nil {
				log.Printf("[telegram] send failed: %v", err)
			}
		}
	}
}

func (t *TelegramRelay) Stop() error {
	t.mu.Lock()
	id := t.entryID
	quit, done := t.quit, t.done
	t.entryID = ""
	t.outbox, t.quit, t.done = nil, nil, nil
	t.mu.Unlock()

	if id != "" {
		t.hub.Disconnect(id)
	}
	if quit != nil {
		close(quit)
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			log.Printf("[telegram] stop timeout waiting for pending send")
		}
	}
	log.Printf("[telegram] stopped")
	return nil
}

// Send implements hub.Listener. Envelopes of other types are ignored. It only
// queues the notification; a full queue drops it and keeps the relay
// registered.
func (t *TelegramRelay) Send(ctx context.Context, data []byte) error {
	env, err := bus.DecodeEnvelope(data)
	if err != nil {
		return nil
	}
	if !t.types[env.Type] {
		return nil
	}

	t.mu.Lock()
	outbox := t.outbox
	t.mu.Unlock()
	if outbox == nil {
		return nil
	}

	select {
	case outbox <- tgbotapi.NewMessage(t.chatID, RelayText(env)):
	default:
		log.Printf("[telegram] queue full, dropping %s", env.Type)
	}
	return nil
}

// Close implements hub.Listener.
func (t *TelegramRelay) Close() error { return nil }

// RelayText renders an envelope as one short notification line.
func RelayText(env bus.Envelope) string {
	p, _ := env.Payload.(map[string]any)
	str := func(key string) string {
		s, _ := p[key].(string)
		return s
	}

	var body string
	switch env.Type {
	case bus.TypeAIResponse, bus.TypeAIChat:
		body = str("text")
	case bus.TypeAddCard:
		body = fmt.Sprintf("%s: %s", str("title"), str("content"))
	case bus.TypeSystemAction:
		body = str("action")
		if mode := str("mode"); mode != "" {
			body += " (" + mode + ")"
		}
	default:
		body = fmt.Sprintf("%v", env.Payload)
	}
	return truncate(fmt.Sprintf("[%s] %s", env.Type, body), relayTextLimit)
}
