package tools

import (
	"context"
	"fmt"

	"github.com/stellarlinkco/nexusbridge/internal/bus"
	"github.com/stellarlinkco/nexusbridge/internal/completion"
)

// Broadcaster fans an envelope out to every connected canvas. *hub.Hub
// satisfies it.
type Broadcaster interface {
	Broadcast(ctx context.Context, typ string, payload any) int
}

// ChatObserver is told about every nexus_chat exchange, successful or not.
type ChatObserver func(ctx context.Context, message, response string, err error)

type CatalogOption func(*catalog)

// WithChatObserver registers fn to see nexus_chat exchanges.
func WithChatObserver(fn ChatObserver) CatalogOption {
	return func(c *catalog) { c.observe = fn }
}

type catalog struct {
	adapter completion.Adapter
	out     Broadcaster
	observe ChatObserver
}

const injectPreviewLen = 50

// Catalog returns the bridge's fixed tool set.
func Catalog(adapter completion.Adapter, out Broadcaster, opts ...CatalogOption) []Tool {
	c := &catalog{adapter: adapter, out: out}
	for _, opt := range opts {
		opt(c)
	}

	return []Tool{
		{
			Name:        "add_card",
			Description: "Add a card to the Nexus Canvas",
			Schema: Schema{
				{Name: "title", Type: "string", Required: true},
				{Name: "content", Type: "string", Required: true},
				{Name: "type", Type: "string", Enum: []any{"note", "task", "file"}, Default: "note"},
			},
			Handler: c.addCard,
		},
		{
			Name:        "nexus_chat",
			Description: "Talk to the Antigravity AI",
			Schema: Schema{
				{Name: "message", Type: "string", Required: true, Description: "The message to send to the AI"},
			},
			Handler: c.nexusChat,
		},
		{
			Name:        "launch_unreal_mode",
			Description: "Launch Unreal Engine in a specific mode (EDITOR, GAME, COMMANDLET)",
			Schema: Schema{
				{Name: "mode", Type: "string", Required: true, Enum: []any{"EDITOR", "GAME", "COMMANDLET"}, Default: "EDITOR"},
				{Name: "project", Type: "string", Description: "Path to .uproject if relative to home"},
				{Name: "level", Type: "string", Description: "Specific level to load"},
			},
			Handler: c.launchUnreal,
		},
		{
			Name:        "unreal_inject",
			Description: "Inject Python code directly into the running Unreal instance",
			Schema: Schema{
				{Name: "code", Type: "string", Required: true, Description: "The Python code to execute in Unreal"},
			},
			Handler: c.unrealInject,
		},
	}
}

func (c *catalog) addCard(ctx context.Context, call Call) (*Result, error) {
	c.out.Broadcast(ctx, bus.TypeAddCard, call.Input)
	return TextResult(fmt.Sprintf("Card '%s' added to Canvas.", call.String("title"))), nil
}

func (c *catalog) nexusChat(ctx context.Context, call Call) (*Result, error) {
	message := call.String("message")
	text, err := c.adapter.Complete(ctx, message)
	if c.observe != nil {
		c.observe(ctx, message, text, err)
	}
	if err != nil {
		return nil, fmt.Errorf("complete chat: %w", err)
	}
	c.out.Broadcast(ctx, bus.TypeAIChat, map[string]any{"text": text})
	return TextResult(text), nil
}

// systemAction copies the call arguments into a system_action payload tagged
// with action.
func systemAction(action string, call Call) map[string]any {
	payload := make(map[string]any, len(call.Input)+1)
	for k, v := range call.Input {
		payload[k] = v
	}
	payload["action"] = action
	return payload
}

func (c *catalog) launchUnreal(ctx context.Context, call Call) (*Result, error) {
	c.out.Broadcast(ctx, bus.TypeSystemAction, systemAction("launch_unreal", call))
	return TextResult(fmt.Sprintf("Triggering Unreal launch in %s mode.", call.String("mode"))), nil
}

func (c *catalog) unrealInject(ctx context.Context, call Call) (*Result, error) {
	c.out.Broadcast(ctx, bus.TypeSystemAction, systemAction("unreal_inject", call))
	code := call.String("code")
	preview := []rune(code)
	if len(preview) > injectPreviewLen {
		preview = preview[:injectPreviewLen]
	}
	return TextResult(fmt.Sprintf("Injected code: %s...", string(preview))), nil
}
