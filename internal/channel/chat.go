package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/stellarlinkco/nexusbridge/internal/archive"
	"github.com/stellarlinkco/nexusbridge/internal/bus"
	"github.com/stellarlinkco/nexusbridge/internal/completion"
	"github.com/stellarlinkco/nexusbridge/internal/config"
	"github.com/stellarlinkco/nexusbridge/internal/hub"
	"github.com/stellarlinkco/nexusbridge/internal/tools"
)

const (
	chatChannelName = "chat"
	maxBodyBytes    = 1 << 20
	chatFailureText = "Failed to communicate with the completion API"
)

// ChatRecorder persists chat exchanges. *archive.Store satisfies it.
type ChatRecorder interface {
	Save(rec archive.Record) (int64, error)
}

type ChatChannelOptions struct {
	Adapter    completion.Adapter
	Dispatcher *tools.Dispatcher
	Hub        *hub.Hub
	Persona    string
	Recorder   ChatRecorder
}

// ChatChannel serves POST /chat plus the HTTP tool surface.
type ChatChannel struct {
	addr   string
	opts   ChatChannelOptions
	mu     sync.Mutex // guards server and ln
	server *http.Server
	ln     net.Listener
}

type chatRequest struct {
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

type toolCallRequest struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

func NewChatChannel(cfg config.ChatConfig, gwCfg config.GatewayConfig, opts ChatChannelOptions) (*ChatChannel, error) {
	if opts.Adapter == nil {
		return nil, fmt.Errorf("chat channel requires a completion adapter")
	}
	if opts.Hub == nil || opts.Dispatcher == nil {
		return nil, fmt.Errorf("chat channel requires a hub and dispatcher")
	}
	if strings.TrimSpace(opts.Persona) == "" {
		opts.Persona = config.DefaultPersona
	}
	port := cfg.Port
	if port == 0 {
		port = config.DefaultChatPort
	}
	return &ChatChannel{
		addr: net.JoinHostPort(gwCfg.Host, fmt.Sprint(port)),
		opts: opts,
	}, nil
}

func (c *ChatChannel) Name() string { return chatChannelName }

func (c *ChatChannel) Addr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ln == nil {
		return c.addr
	}
	return c.ln.Addr().String()
}

func (c *ChatChannel) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/chat", c.handleChat)
	mux.HandleFunc("/tools", c.handleTools)
	mux.HandleFunc("/tools/call", c.handleToolCall)
	mux.HandleFunc("/healthz", c.handleHealth)
	return withCORS(mux)
}

func (c *ChatChannel) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", c.addr)
	if err != nil {
		return fmt.Errorf("listen chat: %w", err)
	}
	server := &http.Server{
		Handler:           c.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	c.mu.Lock()
	c.ln = ln
	c.server = server
	c.mu.Unlock()

	go func() {
		log.Printf("[chat] http listening on %s", ln.Addr())
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("[chat] server error: %v", err)
		}
	}()
	return nil
}

func (c *ChatChannel) Stop() error {
	c.mu.Lock()
	server := c.server
	c.mu.Unlock()
	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Printf("[chat] shutdown error: %v", err)
		}
	}
	log.Printf("[chat] stopped")
	return nil
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func decodeBody(r *http.Request, v any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

func (c *ChatChannel) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req chatRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	log.Printf("[chat] received: %s", truncate(req.Message, 80))

	prompt := completion.ChatPrompt(c.opts.Persona, req.Context, req.Message)
	text, err := c.opts.Adapter.Complete(r.Context(), prompt)
	c.record(req, text, err)
	if err != nil {
		log.Printf("[chat] completion error: %v", err)
		writeError(w, http.StatusInternalServerError, chatFailureText)
		return
	}

	c.opts.Hub.Broadcast(r.Context(), bus.TypeAIResponse, map[string]any{
		"text":     text,
		"original": req.Message,
	})
	writeJSON(w, http.StatusOK, map[string]any{"response": text})
}

func (c *ChatChannel) record(req chatRequest, text string, err error) {
	if c.opts.Recorder == nil {
		return
	}
	rec := archive.Record{
		Source:   archive.SourceHTTP,
		Message:  req.Message,
		Response: text,
		Context:  req.Context,
	}
	if src, _ := req.Context["source"].(string); src == archive.SourceCLI {
		rec.Source = archive.SourceCLI
	}
	if err != nil {
		rec.Response = ""
		rec.Error = err.Error()
	}
	if _, serr := c.opts.Recorder.Save(rec); serr != nil {
		log.Printf("[chat] archive error: %v", serr)
	}
}

func (c *ChatChannel) handleTools(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, c.opts.Dispatcher.Registry().Definitions())
}

func (c *ChatChannel) handleToolCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req toolCallRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	res, err := c.opts.Dispatcher.Invoke(r.Context(), req.Name, req.Arguments)
	if err != nil {
		var (
			unknown *tools.UnknownToolError
			invalid *tools.ValidationError
		)
		switch {
		case errors.As(err, &unknown):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.As(err, &invalid):
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error(), "field": invalid.Field})
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (c *ChatChannel) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"listeners": c.opts.Hub.Len(),
		"tools":     c.opts.Dispatcher.Registry().Len(),
	})
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
