// Package hub tracks connected canvas listeners and fans broadcast envelopes
// out to them. It does not depend on any socket library: transports register
// anything that satisfies Listener.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/stellarlinkco/nexusbridge/internal/bus"
)

const DefaultSendTimeout = 5 * time.Second

// ErrClosed is returned by Connect after Close.
var ErrClosed = errors.New("hub closed")

// State is the lifecycle of one connected listener. Transitions only move
// forward: CONNECTING -> OPEN -> CLOSED.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Listener is a transport handle that can receive serialized envelopes.
type Listener interface {
	Send(ctx context.Context, data []byte) error
	Close() error
}

// FuncListener adapts a function to Listener. Close is a no-op.
type FuncListener func(ctx context.Context, data []byte) error

func (f FuncListener) Send(ctx context.Context, data []byte) error { return f(ctx, data) }
func (f FuncListener) Close() error                                 { return nil }

// TransportError records a failed delivery to one listener. The hub logs it
// and drops the listener; it is never returned to broadcasters.
type TransportError struct {
	ListenerID string
	Err        error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("send to listener %s: %v", e.ListenerID, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Entry is the hub-owned record of one listener.
type Entry struct {
	ID          string
	ConnectedAt time.Time

	listener  Listener
	state     atomic.Int32
	closeOnce sync.Once
}

func (e *Entry) State() State { return State(e.state.Load()) }

// advance moves the entry to next if that is a forward transition.
func (e *Entry) advance(next State) bool {
	for {
		cur := e.state.Load()
		if State(cur) >= next {
			return false
		}
		if e.state.CompareAndSwap(cur, int32(next)) {
			return true
		}
	}
}

func (e *Entry) close() {
	e.advance(StateClosed)
	e.closeOnce.Do(func() {
		if err := e.listener.Close(); err != nil {
			log.Printf("[hub] close listener %s: %v", e.ID, err)
		}
	})
}

type Hub struct {
	mu          sync.RWMutex
	entries     map[string]*Entry
	closed      bool
	sendMu      sync.Mutex // serializes broadcasts so each listener sees call order
	sendTimeout time.Duration
}

func New(sendTimeout time.Duration) *Hub {
	if sendTimeout <= 0 {
		sendTimeout = DefaultSendTimeout
	}
	return &Hub{
		entries:     make(map[string]*Entry),
		sendTimeout: sendTimeout,
	}
}

// Connect registers a listener and marks it OPEN.
func (h *Hub) Connect(l Listener) (*Entry, error) {
	if l == nil {
		return nil, errors.New("nil listener")
	}
	e := &Entry{
		ID:          uuid.NewString(),
		ConnectedAt: time.Now(),
		listener:    l,
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	h.entries[e.ID] = e
	h.mu.Unlock()

	e.advance(StateOpen)
	return e, nil
}

// Disconnect marks the listener CLOSED, removes it and closes its handle.
// Unknown IDs are ignored.
func (h *Hub) Disconnect(id string) {
	h.mu.Lock()
	e, ok := h.entries[id]
	if ok {
		delete(h.entries, id)
	}
	h.mu.Unlock()

	if ok {
		e.close()
	}
}

// Broadcast builds one envelope and delivers it to every OPEN listener.
// It returns the number of successful deliveries.
func (h *Hub) Broadcast(ctx context.Context, typ string, payload any) int {
	return h.BroadcastEnvelope(ctx, bus.NewEnvelope(typ, payload))
}

func (h *Hub) BroadcastEnvelope(ctx context.Context, env bus.Envelope) int {
	data, err := env.Encode()
	if err != nil {
		log.Printf("[hub] drop broadcast: %v", err)
		return 0
	}

	h.sendMu.Lock()
	defer h.sendMu.Unlock()

	targets, stale := h.snapshot()
	for _, e := range stale {
		h.remove(e)
	}

	type result struct {
		e   *Entry
		err error
	}
	// Buffered so a send that outlives the deadline can still finish and exit.
	results := make(chan result, len(targets))
	pending := make(map[string]*Entry, len(targets))
	for _, e := range targets {
		pending[e.ID] = e
		go func(e *Entry) {
			sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.sendTimeout)
			defer cancel()
			results <- result{e: e, err: e.listener.Send(sendCtx, data)}
		}(e)
	}

	deadline := time.NewTimer(h.sendTimeout)
	defer deadline.Stop()

	delivered := 0
	for len(pending) > 0 {
		select {
		case r := <-results:
			delete(pending, r.e.ID)
			if r.err != nil {
				terr := &TransportError{ListenerID: r.e.ID, Err: r.err}
				log.Printf("[hub] %v; dropping listener", terr)
				h.remove(r.e)
				continue
			}
			delivered++
		case <-deadline.C:
			// Listeners that ignore their context are abandoned, not waited on.
			for id, e := range pending {
				terr := &TransportError{ListenerID: id, Err: context.DeadlineExceeded}
				log.Printf("[hub] %v; dropping listener", terr)
				h.remove(e)
			}
			pending = nil
		}
	}

	return delivered
}

// snapshot returns OPEN entries to deliver to and CLOSED entries to prune.
func (h *Hub) snapshot() (open, stale []*Entry) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, e := range h.entries {
		switch e.State() {
		case StateOpen:
			open = append(open, e)
		case StateClosed:
			stale = append(stale, e)
		}
	}
	return open, stale
}

func (h *Hub) remove(e *Entry) {
	h.mu.Lock()
	if cur, ok := h.entries[e.ID]; ok && cur == e {
		delete(h.entries, e.ID)
	}
	h.mu.Unlock()
	e.close()
}

// Len reports the number of registered listeners.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

// Close disconnects every listener and rejects further connections.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	entries := h.entries
	h.entries = make(map[string]*Entry)
	h.mu.Unlock()

	for _, e := range entries {
		e.close()
	}
	log.Printf("[hub] closed %d listeners", len(entries))
	return nil
}
