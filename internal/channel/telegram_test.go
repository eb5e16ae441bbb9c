package channel

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stellarlinkco/nexusbridge/internal/bus"
	"github.com/stellarlinkco/nexusbridge/internal/config"
	"github.com/stellarlinkco/nexusbridge/internal/hub"
)

type mockBot struct {
	mu      sync.Mutex
	sent    []tgbotapi.MessageConfig
	sendErr error
	block   chan struct{} // when set, Send waits until it is closed
}

func (m *mockBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		m.sent = append(m.sent, msg)
	}
	return tgbotapi.Message{}, m.sendErr
}

func (m *mockBot) GetSelf() tgbotapi.User {
	return tgbotapi.User{UserName: "nexus_bot"}
}

func (m *mockBot) messages() []tgbotapi.MessageConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]tgbotapi.MessageConfig(nil), m.sent...)
}

func mockFactory(bot *mockBot) BotFactory {
	return func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
		return bot, nil
	}
}

func TestNewTelegramRelay_Validation(t *testing.T) {
	h := hub.New(0)
	tests := []struct {
		name string
		cfg  config.TelegramConfig
		hub  *hub.Hub
	}{
		{"no token", config.TelegramConfig{ChatID: 1}, h},
		{"no chat id", config.TelegramConfig{Token: "t"}, h},
		{"no hub", config.TelegramConfig{Token: "t", ChatID: 1}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewTelegramRelay(tt.cfg, tt.hub); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestTelegramRelay_InitBotErrors(t *testing.T) {
	h := hub.New(0)
	failing := func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
		return nil, fmt.Errorf("auth failed")
	}
	r, _ := NewTelegramRelayWithFactory(config.TelegramConfig{Token: "t", ChatID: 1}, h, failing)
	if err := r.Start(context.Background()); err == nil {
		t.Error("expected error from Start")
	}
	if h.Len() != 0 {
		t.Error("failed relay must not register with the hub")
	}

	r, _ = NewTelegramRelayWithFactory(config.TelegramConfig{Token: "t", ChatID: 1, Proxy: "://invalid-url"}, h, mockFactory(&mockBot{}))
	if err := r.initBot(); err == nil {
		t.Error("expected error for invalid proxy URL")
	}
}

func TestTelegramRelay_ForwardsSelectedTypes(t *testing.T) {
	h := hub.New(time.Second)
	defer h.Close()
	bot := &mockBot{}
	r, err := NewTelegramRelayWithFactory(config.TelegramConfig{Token: "t", ChatID: 42}, h, mockFactory(bot))
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if h.Len() != 1 {
		t.Fatalf("listeners = %d, want 1", h.Len())
	}

	ctx := context.Background()
	h.Broadcast(ctx, bus.TypeAIResponse, map[string]any{"text": "hello", "original": "hi"})
	h.Broadcast(ctx, bus.TypeAddCard, map[string]any{"title": "T", "content": "C"})
	h.Broadcast(ctx, bus.TypeSystemAction, map[string]any{"action": "launch_unreal", "mode": "GAME"})

	waitFor(t, func() bool { return len(bot.messages()) >= 2 })
	time.Sleep(20 * time.Millisecond)
	msgs := bot.messages()
	if len(msgs) != 2 {
		t.Fatalf("sent = %d, want 2 (add_card not relayed by default)", len(msgs))
	}
	if msgs[0].ChatID != 42 || msgs[0].Text != "[ai_response] hello" {
		t.Errorf("first = %d %q", msgs[0].ChatID, msgs[0].Text)
	}
	if msgs[1].Text != "[system_action] launch_unreal (GAME)" {
		t.Errorf("second = %q", msgs[1].Text)
	}

	if err := r.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if h.Len() != 0 {
		t.Errorf("listeners after Stop = %d", h.Len())
	}
}

func TestTelegramRelay_SendFailureKeepsListener(t *testing.T) {
	h := hub.New(time.Second)
	defer h.Close()
	bot := &mockBot{sendErr: fmt.Errorf("rate limited")}
	r, _ := NewTelegramRelayWithFactory(config.TelegramConfig{Token: "t", ChatID: 1, Types: []string{"add_card"}}, h, mockFactory(bot))
	_ = r.Start(context.Background())

	if n := h.Broadcast(context.Background(), bus.TypeAddCard, map[string]any{"title": "T"}); n != 1 {
		t.Errorf("delivered = %d, want 1", n)
	}
	if h.Len() != 1 {
		t.Error("relay should stay registered after a Telegram error")
	}
	waitFor(t, func() bool { return len(bot.messages()) == 1 })
	_ = r.Stop()
}

func TestTelegramRelay_StuckAPIDoesNotBlockHub(t *testing.T) {
	h := hub.New(100 * time.Millisecond)
	defer h.Close()
	bot := &mockBot{block: make(chan struct{})}
	r, _ := NewTelegramRelayWithFactory(config.TelegramConfig{Token: "t", ChatID: 1}, h, mockFactory(bot))
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sink := &envelopeSink{}
	if _, err := h.Connect(sink.listener()); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Broadcast(context.Background(), bus.TypeAIChat, map[string]any{"text": "one"})
		h.Broadcast(context.Background(), bus.TypeAddCard, map[string]any{"title": "T", "content": "C"})
		h.Broadcast(context.Background(), bus.TypeAIChat, map[string]any{"text": "two"})
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcasts blocked behind a hung Telegram call")
	}

	if n := len(sink.all()); n != 3 {
		t.Errorf("canvas envelopes = %d, want 3", n)
	}
	if h.Len() != 2 {
		t.Errorf("listeners = %d, want 2 (relay stays registered)", h.Len())
	}

	close(bot.block)
	waitFor(t, func() bool { return len(bot.messages()) == 2 })
	if err := r.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestRelayText(t *testing.T) {
	tests := []struct {
		env  bus.Envelope
		want string
	}{
		{bus.NewEnvelope(bus.TypeAIChat, map[string]any{"text": "hey"}), "[ai_chat] hey"},
		{bus.NewEnvelope(bus.TypeAddCard, map[string]any{"title": "T", "content": "C"}), "[add_card] T: C"},
		{bus.NewEnvelope(bus.TypeSystemAction, map[string]any{"action": "unreal_inject", "code": "x"}), "[system_action] unreal_inject"},
	}
	for _, tt := range tests {
		if got := RelayText(tt.env); got != tt.want {
			t.Errorf("RelayText(%s) = %q, want %q", tt.env.Type, got, tt.want)
		}
	}

	long := RelayText(bus.NewEnvelope(bus.TypeAIChat, map[string]any{"text": strings.Repeat("x", 500)}))
	if !strings.HasSuffix(long, "...") || len([]rune(long)) != relayTextLimit+3 {
		t.Errorf("long text length = %d", len([]rune(long)))
	}
}
