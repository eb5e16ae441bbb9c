package channel

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/stellarlinkco/nexusbridge/internal/config"
	"github.com/stellarlinkco/nexusbridge/internal/hub"
)

const canvasChannelName = "canvas"

// readHeaderTimeout bounds how long a client may take to send request headers
// to the chat and canvas listeners.
const readHeaderTimeout = 10 * time.Second

// wsListener lets the hub push frames to one socket.
type wsListener struct {
	conn *websocket.Conn
}

func (l *wsListener) Send(ctx context.Context, data []byte) error {
	return l.conn.Write(ctx, websocket.MessageText, data)
}

func (l *wsListener) Close() error {
	return l.conn.CloseNow()
}

// CanvasChannel accepts canvas sockets and registers each with the hub. It
// never interprets inbound frames.
type CanvasChannel struct {
	addr   string
	hub    *hub.Hub
	mu     sync.Mutex // guards server and ln
	server *http.Server
	ln     net.Listener
	ids    sync.Map // listener ID -> struct{}
}

func NewCanvasChannel(cfg config.CanvasConfig, gwCfg config.GatewayConfig, h *hub.Hub) (*CanvasChannel, error) {
	if h == nil {
		return nil, fmt.Errorf("canvas channel requires a hub")
	}
	port := cfg.Port
	if port == 0 {
		port = config.DefaultCanvasPort
	}
	return &CanvasChannel{
		addr: net.JoinHostPort(gwCfg.Host, fmt.Sprint(port)),
		hub:  h,
	}, nil
}

func (c *CanvasChannel) Name() string { return canvasChannelName }

// Addr is the bound address once Start has returned.
func (c *CanvasChannel) Addr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ln == nil {
		return c.addr
	}
	return c.ln.Addr().String()
}

func (c *CanvasChannel) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", c.handleWS)
	mux.HandleFunc("/", c.handleWS)
	return mux
}

func (c *CanvasChannel) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", c.addr)
	if err != nil {
		return fmt.Errorf("listen canvas: %w", err)
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
		log.Printf("[canvas] websocket listening on %s", ln.Addr())
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("[canvas] server error: %v", err)
		}
	}()
	return nil
}

func (c *CanvasChannel) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[canvas] websocket accept error: %v", err)
		return
	}

	entry, err := c.hub.Connect(&wsListener{conn: conn})
	if err != nil {
		log.Printf("[canvas] register listener: %v", err)
		conn.Close(websocket.StatusGoingAway, "bridge shutting down")
		return
	}
	c.ids.Store(entry.ID, struct{}{})
	log.Printf("[canvas] client connected: %s", entry.ID)

	defer func() {
		c.ids.Delete(entry.ID)
		c.hub.Disconnect(entry.ID)
		log.Printf("[canvas] client disconnected: %s", entry.ID)
	}()

	// Inbound frames are discarded; reading only surfaces the close.
	ctx := context.WithoutCancel(r.Context())
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

func (c *CanvasChannel) Stop() error {
	c.ids.Range(func(key, _ any) bool {
		c.hub.Disconnect(key.(string))
		return true
	})
	c.mu.Lock()
	server := c.server
	c.mu.Unlock()
	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Printf("[canvas] shutdown error: %v", err)
		}
	}
	log.Printf("[canvas] stopped")
	return nil
}
