package channel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stellarlinkco/nexusbridge/internal/bus"
	"github.com/stellarlinkco/nexusbridge/internal/completion"
	"github.com/stellarlinkco/nexusbridge/internal/hub"
	"github.com/stellarlinkco/nexusbridge/internal/tools"
)

// envelopeSink records every envelope a hub delivers to it.
type envelopeSink struct {
	mu   sync.Mutex
	envs []bus.Envelope
}

func (s *envelopeSink) listener() hub.FuncListener {
	return func(ctx context.Context, data []byte) error {
		env, err := bus.DecodeEnvelope(data)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.envs = append(s.envs, env)
		s.mu.Unlock()
		return nil
	}
}

func (s *envelopeSink) all() []bus.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bus.Envelope(nil), s.envs...)
}

type fixture struct {
	hub        *hub.Hub
	dispatcher *tools.Dispatcher
	sink       *envelopeSink
}

func newFixture(t *testing.T, adapter completion.Adapter) *fixture {
	t.Helper()
	h := hub.New(time.Second)
	t.Cleanup(func() { _ = h.Close() })

	reg := tools.NewRegistry()
	if err := reg.RegisterAll(tools.Catalog(adapter, h)...); err != nil {
		t.Fatalf("RegisterAll: %v", err)
	}

	sink := &envelopeSink{}
	if _, err := h.Connect(sink.listener()); err != nil {
		t.Fatalf("Connect sink: %v", err)
	}
	return &fixture{hub: h, dispatcher: tools.NewDispatcher(reg), sink: sink}
}

func stubAdapter(text string, err error) completion.Adapter {
	return completion.Func(func(ctx context.Context, prompt string) (string, error) {
		return text, err
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
