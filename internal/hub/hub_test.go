package hub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stellarlinkco/nexusbridge/internal/bus"
)

type recordingListener struct {
	mu     sync.Mutex
	frames [][]byte
	err    error
	closed bool
}

func (r *recordingListener) Send(ctx context.Context, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.frames = append(r.frames, data)
	return nil
}

func (r *recordingListener) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *recordingListener) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func (r *recordingListener) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateConnecting, "CONNECTING"},
		{StateOpen, "OPEN"},
		{StateClosed, "CLOSED"},
		{State(9), "State(9)"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestConnect_MarksOpen(t *testing.T) {
	h := New(time.Second)
	e, err := h.Connect(&recordingListener{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if e.State() != StateOpen {
		t.Errorf("state = %v, want OPEN", e.State())
	}
	if e.ID == "" {
		t.Error("entry ID should not be empty")
	}
	if h.Len() != 1 {
		t.Errorf("Len = %d, want 1", h.Len())
	}
}

func TestConnect_Nil(t *testing.T) {
	h := New(time.Second)
	if _, err := h.Connect(nil); err == nil {
		t.Fatal("expected error for nil listener")
	}
}

func TestBroadcast_DeliversEnvelope(t *testing.T) {
	h := New(time.Second)
	l := &recordingListener{}
	h.Connect(l)

	n := h.Broadcast(context.Background(), bus.TypeAddCard, map[string]any{"title": "T", "content": "C"})
	if n != 1 {
		t.Fatalf("delivered = %d, want 1", n)
	}
	if l.count() != 1 {
		t.Fatalf("frames = %d, want 1", l.count())
	}
	env, err := bus.DecodeEnvelope(l.frames[0])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Type != bus.TypeAddCard {
		t.Errorf("type = %q, want add_card", env.Type)
	}
	payload := env.Payload.(map[string]any)
	if payload["title"] != "T" || payload["content"] != "C" {
		t.Errorf("payload = %v", payload)
	}
}

func TestBroadcast_SkipsClosedListener(t *testing.T) {
	h := New(time.Second)
	a, b, c := &recordingListener{}, &recordingListener{}, &recordingListener{}
	h.Connect(a)
	eb, _ := h.Connect(b)
	h.Connect(c)

	eb.advance(StateClosed)

	n := h.Broadcast(context.Background(), "ping", nil)
	if n != 2 {
		t.Errorf("delivered = %d, want 2", n)
	}
	if a.count() != 1 || c.count() != 1 {
		t.Errorf("a=%d c=%d, want 1 each", a.count(), c.count())
	}
	if b.count() != 0 {
		t.Errorf("closed listener received %d frames", b.count())
	}
	if h.Len() != 2 {
		t.Errorf("Len = %d, want 2 (only the closed listener pruned)", h.Len())
	}
}

func TestBroadcast_FailedSendDropsOnlyThatListener(t *testing.T) {
	h := New(time.Second)
	good1, bad, good2 := &recordingListener{}, &recordingListener{err: errors.New("broken pipe")}, &recordingListener{}
	h.Connect(good1)
	eBad, _ := h.Connect(bad)
	h.Connect(good2)

	n := h.Broadcast(context.Background(), "ping", nil)
	if n != 2 {
		t.Errorf("delivered = %d, want 2", n)
	}
	if good1.count() != 1 || good2.count() != 1 {
		t.Errorf("good listeners should each receive exactly one frame")
	}
	if eBad.State() != StateClosed {
		t.Errorf("failed listener state = %v, want CLOSED", eBad.State())
	}
	if !bad.isClosed() {
		t.Error("failed listener handle should be closed")
	}
	if h.Len() != 2 {
		t.Errorf("Len = %d, want 2", h.Len())
	}

	h.Broadcast(context.Background(), "ping", nil)
	if good1.count() != 2 || good2.count() != 2 {
		t.Error("remaining listeners should keep receiving")
	}
}

func TestBroadcast_DisconnectMidBroadcast(t *testing.T) {
	h := New(time.Second)
	var entry *Entry
	other := &recordingListener{}

	leaving := FuncListener(func(ctx context.Context, data []byte) error {
		h.Disconnect(entry.ID)
		return errors.New("use of closed network connection")
	})
	entry, _ = h.Connect(leaving)
	h.Connect(other)

	n := h.Broadcast(context.Background(), "ping", nil)
	if n != 1 {
		t.Errorf("delivered = %d, want 1", n)
	}
	if other.count() != 1 {
		t.Errorf("other listener frames = %d, want 1", other.count())
	}
	if entry.State() != StateClosed {
		t.Errorf("state = %v, want CLOSED", entry.State())
	}
}

func TestBroadcast_SendTimeout(t *testing.T) {
	h := New(50 * time.Millisecond)
	stuck := FuncListener(func(ctx context.Context, data []byte) error {
		<-ctx.Done()
		return ctx.Err()
	})
	fast := &recordingListener{}
	h.Connect(stuck)
	h.Connect(fast)

	start := time.Now()
	n := h.Broadcast(context.Background(), "ping", nil)
	if n != 1 {
		t.Errorf("delivered = %d, want 1", n)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("broadcast should be bounded by the send timeout")
	}
	if h.Len() != 1 {
		t.Errorf("Len = %d, want 1", h.Len())
	}
}

func TestBroadcast_ListenerIgnoringContextIsAbandoned(t *testing.T) {
	h := New(50 * time.Millisecond)
	release := make(chan struct{})
	defer close(release)
	hung := FuncListener(func(ctx context.Context, data []byte) error {
		<-release
		return nil
	})
	fast := &recordingListener{}
	h.Connect(hung)
	h.Connect(fast)

	done := make(chan int, 2)
	go func() {
		done <- h.Broadcast(context.Background(), "first", nil)
		done <- h.Broadcast(context.Background(), "second", nil)
	}()

	for i, want := range []int{1, 1} {
		select {
		case n := <-done:
			if n != want {
				t.Errorf("broadcast %d delivered = %d, want %d", i, n, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("broadcast %d blocked on a listener that ignores its context", i)
		}
	}
	if fast.count() != 2 {
		t.Errorf("fast listener frames = %d, want 2", fast.count())
	}
	if h.Len() != 1 {
		t.Errorf("Len = %d, want 1 (hung listener dropped)", h.Len())
	}
}

func TestBroadcast_PreservesCallOrderPerListener(t *testing.T) {
	h := New(time.Second)
	l := &recordingListener{}
	h.Connect(l)

	for i := 0; i < 20; i++ {
		h.Broadcast(context.Background(), "seq", map[string]any{"i": i})
	}

	if l.count() != 20 {
		t.Fatalf("frames = %d, want 20", l.count())
	}
	for i, frame := range l.frames {
		env, _ := bus.DecodeEnvelope(frame)
		got := int(env.Payload.(map[string]any)["i"].(float64))
		if got != i {
			t.Fatalf("frame %d carries i=%d", i, got)
		}
	}
}

func TestDisconnect_Monotonic(t *testing.T) {
	h := New(time.Second)
	l := &recordingListener{}
	e, _ := h.Connect(l)

	h.Disconnect(e.ID)
	h.Disconnect(e.ID)

	if e.State() != StateClosed {
		t.Errorf("state = %v, want CLOSED", e.State())
	}
	if e.advance(StateOpen) {
		t.Error("CLOSED entry must not return to OPEN")
	}
	if h.Len() != 0 {
		t.Errorf("Len = %d, want 0", h.Len())
	}
	if !l.isClosed() {
		t.Error("listener should be closed")
	}
}

func TestConcurrentConnectBroadcastDisconnect(t *testing.T) {
	h := New(time.Second)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			e, err := h.Connect(&recordingListener{})
			if err == nil {
				h.Disconnect(e.ID)
			}
		}()
		go func() {
			defer wg.Done()
			h.Broadcast(context.Background(), "ping", nil)
		}()
	}
	wg.Wait()
	if h.Len() != 0 {
		t.Errorf("Len = %d, want 0", h.Len())
	}
}

func TestClose(t *testing.T) {
	h := New(time.Second)
	l1, l2 := &recordingListener{}, &recordingListener{}
	h.Connect(l1)
	h.Connect(l2)

	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !l1.isClosed() || !l2.isClosed() {
		t.Error("all listeners should be closed")
	}
	if h.Len() != 0 {
		t.Errorf("Len = %d, want 0", h.Len())
	}
	if _, err := h.Connect(&recordingListener{}); !errors.Is(err, ErrClosed) {
		t.Errorf("Connect after Close err = %v, want ErrClosed", err)
	}
	if n := h.Broadcast(context.Background(), "ping", nil); n != 0 {
		t.Errorf("delivered after close = %d", n)
	}
}

func TestTransportError(t *testing.T) {
	base := errors.New("reset")
	err := &TransportError{ListenerID: "abc", Err: base}
	if !errors.Is(err, base) {
		t.Error("TransportError should unwrap")
	}
	if err.Error() != "send to listener abc: reset" {
		t.Errorf("Error() = %q", err.Error())
	}
}
