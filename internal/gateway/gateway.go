package gateway

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stellarlinkco/nexusbridge/internal/archive"
	"github.com/stellarlinkco/nexusbridge/internal/bus"
	"github.com/stellarlinkco/nexusbridge/internal/channel"
	"github.com/stellarlinkco/nexusbridge/internal/completion"
	"github.com/stellarlinkco/nexusbridge/internal/config"
	"github.com/stellarlinkco/nexusbridge/internal/cron"
	"github.com/stellarlinkco/nexusbridge/internal/hub"
	"github.com/stellarlinkco/nexusbridge/internal/tools"
)

// AdapterFactory creates the completion adapter (allows mocking in tests).
type AdapterFactory func(cfg *config.Config) (completion.Adapter, error)

// Options for creating a Gateway
type Options struct {
	AdapterFactory AdapterFactory
	SignalChan     chan os.Signal // for testing signal handling

	// ToolTransport replaces stdio for the tool channel.
	ToolTransport mcp.Transport
	BotFactory    channel.BotFactory
	// NoStdio disables the tool channel regardless of config.
	NoStdio bool
}

// DefaultAdapterFactory builds the adapter for the configured provider.
func DefaultAdapterFactory(cfg *config.Config) (completion.Adapter, error) {
	return completion.New(completion.OptionsFromConfig(cfg))
}

// Gateway owns every long-lived piece of the bridge. It is built once at
// start and handed to nothing; channels receive only what they need.
type Gateway struct {
	cfg        *config.Config
	adapter    completion.Adapter
	hub        *hub.Hub
	registry   *tools.Registry
	dispatcher *tools.Dispatcher
	archive    *archive.Store
	cron       *cron.Service
	channels   *channel.ChannelManager
	signalChan chan os.Signal // for testing
	startedAt  time.Time

	shutdownOnce sync.Once
}

// New creates a Gateway with default options
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a Gateway with custom options for testing
func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	if opts.NoStdio {
		c := *cfg
		c.Channels.Tool.Enabled = false
		cfg = &c
	}
	g := &Gateway{cfg: cfg, signalChan: opts.SignalChan, startedAt: time.Now()}

	factory := opts.AdapterFactory
	if factory == nil {
		factory = DefaultAdapterFactory
	}
	adapter, err := factory(cfg)
	if err != nil {
		return nil, err
	}
	g.adapter = adapter

	g.hub = hub.New(time.Duration(cfg.Channels.Canvas.SendTimeoutMs) * time.Millisecond)

	if cfg.Archive.Enabled {
		store, err := archive.Open(cfg.ArchivePath())
		if err != nil {
			g.closeResources()
			return nil, fmt.Errorf("open archive: %w", err)
		}
		g.archive = store
	}

	g.registry = tools.NewRegistry()
	catalog := tools.Catalog(g.adapter, g.hub, tools.WithChatObserver(g.recordToolChat))
	if err := g.registry.RegisterAll(catalog...); err != nil {
		g.closeResources()
		return nil, fmt.Errorf("register tools: %w", err)
	}
	g.dispatcher = tools.NewDispatcher(g.registry)

	g.cron = cron.NewService(g.hub)
	if err := g.scheduleJobs(); err != nil {
		g.closeResources()
		return nil, err
	}

	deps := channel.Deps{
		Adapter:       g.adapter,
		Dispatcher:    g.dispatcher,
		Hub:           g.hub,
		Persona:       cfg.Completion.Persona,
		ToolTransport: opts.ToolTransport,
		BotFactory:    opts.BotFactory,
	}
	if g.archive != nil {
		deps.Recorder = g.archive
	}
	chMgr, err := channel.NewChannelManager(cfg, deps)
	if err != nil {
		g.closeResources()
		return nil, fmt.Errorf("create channel manager: %w", err)
	}
	g.channels = chMgr

	return g, nil
}

func (g *Gateway) scheduleJobs() error {
	for _, jc := range g.cfg.Schedule.Jobs {
		typ := jc.Type
		if typ == "" {
			typ = bus.TypeSystemAction
		}
		if _, err := g.cron.AddJob(jc.Name, jc.Expr, typ, jc.Payload); err != nil {
			return fmt.Errorf("schedule job %q: %w", jc.Name, err)
		}
	}
	if g.cfg.Schedule.Heartbeat != "" {
		if _, err := g.cron.AddFunc("heartbeat", g.cfg.Schedule.Heartbeat, bus.TypeBridgeStatus, g.status); err != nil {
			return fmt.Errorf("schedule heartbeat: %w", err)
		}
	}
	return nil
}

// status is the bridge_status heartbeat payload.
func (g *Gateway) status() any {
	return map[string]any{
		"listeners": g.hub.Len(),
		"tools":     g.registry.Len(),
		"uptimeSec": int64(time.Since(g.startedAt).Seconds()),
	}
}

func (g *Gateway) recordToolChat(ctx context.Context, message, response string, err error) {
	if g.archive == nil {
		return
	}
	rec := archive.Record{Source: archive.SourceTool, Message: message, Response: response}
	if err != nil {
		rec.Response = ""
		rec.Error = err.Error()
	}
	if _, serr := g.archive.Save(rec); serr != nil {
		log.Printf("[gateway] archive error: %v", serr)
	}
}

func (g *Gateway) Hub() *hub.Hub { return g.hub }
func (g *Gateway) Dispatcher() *tools.Dispatcher { return g.dispatcher }
func (g *Gateway) Channels() *channel.ChannelManager { return g.channels }
func (g *Gateway) Scheduler() *cron.Service { return g.cron }

func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := g.channels.StartAll(ctx); err != nil {
		_ = g.Shutdown()
		return fmt.Errorf("start channels: %w", err)
	}
	log.Printf("[gateway] channels started: %v", g.channels.EnabledChannels())

	if err := g.cron.Start(ctx); err != nil {
		log.Printf("[gateway] cron start warning: %v", err)
	}
	log.Printf("[gateway] %d tools registered, %d jobs scheduled", g.registry.Len(), len(g.cron.ListJobs()))

	// Use injected signal channel for testing, or create default
	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	log.Printf("[gateway] shutting down...")
	return g.Shutdown()
}

// Shutdown stops channels before the hub so no listener outlives its socket.
// Safe to call more than once.
func (g *Gateway) Shutdown() error {
	g.shutdownOnce.Do(func() {
		g.cron.Stop()
		if err := g.channels.StopAll(); err != nil {
			log.Printf("[gateway] stop channels error: %v", err)
		}
		g.closeResources()
		log.Printf("[gateway] shutdown complete")
	})
	return nil
}

func (g *Gateway) closeResources() {
	if g.hub != nil {
		_ = g.hub.Close()
	}
	if g.adapter != nil {
		if err := g.adapter.Close(); err != nil {
			log.Printf("[gateway] close adapter error: %v", err)
		}
	}
	if g.archive != nil {
		if err := g.archive.Close(); err != nil {
			log.Printf("[gateway] close archive error: %v", err)
		}
	}
}
