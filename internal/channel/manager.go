package channel

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stellarlinkco/nexusbridge/internal/completion"
	"github.com/stellarlinkco/nexusbridge/internal/config"
	"github.com/stellarlinkco/nexusbridge/internal/hub"
	"github.com/stellarlinkco/nexusbridge/internal/tools"
)

// Deps are the shared instances every channel is built around.
type Deps struct {
	Adapter    completion.Adapter
	Dispatcher *tools.Dispatcher
	Hub        *hub.Hub
	Recorder   ChatRecorder
	Persona    string

	// ToolTransport overrides stdio for the tool channel.
	ToolTransport mcp.Transport
	// BotFactory overrides the Telegram client (tests).
	BotFactory BotFactory
}

type ChannelManager struct {
	mu       sync.RWMutex
	channels map[string]Channel
	order    []string
}

func NewChannelManager(cfg *config.Config, deps Deps) (*ChannelManager, error) {
	m := &ChannelManager{channels: make(map[string]Channel)}

	if cfg.Channels.Tool.Enabled {
		ch, err := NewToolChannel(cfg.Channels.Tool, deps.Dispatcher)
		if err != nil {
			return nil, fmt.Errorf("init tool channel: %w", err)
		}
		if deps.ToolTransport != nil {
			ch.WithTransport(deps.ToolTransport)
		}
		m.Add(ch)
	}

	if cfg.Channels.Chat.Enabled {
		ch, err := NewChatChannel(cfg.Channels.Chat, cfg.Gateway, ChatChannelOptions{
			Adapter:    deps.Adapter,
			Dispatcher: deps.Dispatcher,
			Hub:        deps.Hub,
			Persona:    deps.Persona,
			Recorder:   deps.Recorder,
		})
		if err != nil {
			return nil, fmt.Errorf("init chat channel: %w", err)
		}
		m.Add(ch)
	}

	if cfg.Channels.Canvas.Enabled {
		ch, err := NewCanvasChannel(cfg.Channels.Canvas, cfg.Gateway, deps.Hub)
		if err != nil {
			return nil, fmt.Errorf("init canvas channel: %w", err)
		}
		m.Add(ch)
	}

	if cfg.Relay.Telegram.Enabled {
		factory := deps.BotFactory
		if factory == nil {
			factory = defaultBotFactory
		}
		ch, err := NewTelegramRelayWithFactory(cfg.Relay.Telegram, deps.Hub, factory)
		if err != nil {
			return nil, fmt.Errorf("init telegram relay: %w", err)
		}
		m.Add(ch)
	}

	return m, nil
}

// Add registers ch, replacing any channel with the same name.
func (m *ChannelManager) Add(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.channels[ch.Name()]; !exists {
		m.order = append(m.order, ch.Name())
	}
	m.channels[ch.Name()] = ch
}

func (m *ChannelManager) Get(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

func (m *ChannelManager) snapshot() []Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Channel, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.channels[name])
	}
	return out
}

func (m *ChannelManager) StartAll(ctx context.Context) error {
	chans := m.snapshot()
	var wg sync.WaitGroup
	errCh := make(chan error, len(chans))

	for _, ch := range chans {
		wg.Add(1)
		go func(ch Channel) {
			defer wg.Done()
			log.Printf("[channel-mgr] starting %s", ch.Name())
			if err := ch.Start(ctx); err != nil {
				errCh <- fmt.Errorf("%s: %w", ch.Name(), err)
			}
		}(ch)
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		return err
	}
	return nil
}

// StopAll stops channels in reverse registration order.
func (m *ChannelManager) StopAll() error {
	chans := m.snapshot()
	for i := len(chans) - 1; i >= 0; i-- {
		ch := chans[i]
		log.Printf("[channel-mgr] stopping %s", ch.Name())
		if err := ch.Stop(); err != nil {
			log.Printf("[channel-mgr] error stopping %s: %v", ch.Name(), err)
		}
	}
	return nil
}

func (m *ChannelManager) EnabledChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}
