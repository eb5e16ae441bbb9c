package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stellarlinkco/nexusbridge/internal/config"
	"github.com/stellarlinkco/nexusbridge/internal/tools"
)

const toolChannelName = "tool"

// ToolChannel exposes the dispatcher as an MCP server. It speaks over stdio
// unless another transport is supplied; stdout then belongs to the protocol.
type ToolChannel struct {
	server     *mcp.Server
	dispatcher *tools.Dispatcher
	transport  mcp.Transport

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewToolChannel(cfg config.ToolConfig, d *tools.Dispatcher) (*ToolChannel, error) {
	if d == nil {
		return nil, fmt.Errorf("tool channel requires a dispatcher")
	}
	name := cfg.ServerName
	if name == "" {
		name = config.DefaultServerName
	}
	version := cfg.ServerVersion
	if version == "" {
		version = config.DefaultServerVersion
	}

	c := &ToolChannel{
		server:     mcp.NewServer(&mcp.Implementation{Name: name, Version: version}, nil),
		dispatcher: d,
		transport:  &mcp.StdioTransport{},
	}
	for _, t := range d.Registry().List() {
		c.server.AddTool(&mcp.Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Schema.JSONSchema(),
		}, c.handler(t.Name))
	}
	return c, nil
}

// WithTransport replaces stdio, e.g. with one end of mcp.NewInMemoryTransports.
func (c *ToolChannel) WithTransport(t mcp.Transport) *ToolChannel {
	c.transport = t
	return c
}

func (c *ToolChannel) Name() string { return toolChannelName }

func (c *ToolChannel) Server() *mcp.Server { return c.server }

func (c *ToolChannel) handler(name string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := map[string]any{}
		if req.Params != nil && len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
				return nil, fmt.Errorf("decode arguments for %s: %w", name, err)
			}
		}

		res, err := c.dispatcher.Invoke(ctx, name, args)
		if err != nil {
			log.Printf("[tool] %s: %v", name, err)
			return nil, err
		}

		content := make([]mcp.Content, 0, len(res.Content))
		for _, seg := range res.Content {
			content = append(content, &mcp.TextContent{Text: seg.Text})
		}
		return &mcp.CallToolResult{Content: content}, nil
	}
}

func (c *ToolChannel) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	c.mu.Lock()
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	go func() {
		defer close(done)
		log.Printf("[tool] MCP server active")
		if err := c.server.Run(runCtx, c.transport); err != nil && runCtx.Err() == nil {
			log.Printf("[tool] session ended: %v", err)
			return
		}
		log.Printf("[tool] session closed")
	}()
	return nil
}

func (c *ToolChannel) Stop() error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		log.Printf("[tool] stop timeout waiting for session")
	}
	log.Printf("[tool] stopped")
	return nil
}
