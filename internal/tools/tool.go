// Package tools holds the bridge's named operations: their declared input
// schemas, the registry that owns them and the dispatcher that validates and
// runs a call.
package tools

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
)

// Param declares one named input of a tool.
type Param struct {
	Name        string
	Type        string // string, number, integer, boolean, object, array
	Required    bool
	Enum        []any
	Default     any
	Description string
}

// Schema is the ordered parameter list of a tool.
type Schema []Param

func (s Schema) lookup(name string) (Param, bool) {
	for _, p := range s {
		if p.Name == name {
			return p, true
		}
	}
	return Param{}, false
}

// Content is one segment of a tool result. Only text segments exist today.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Result is what every successful call returns.
type Result struct {
	Content []Content `json:"content"`
}

// TextResult builds a single-segment text result.
func TextResult(text string) *Result {
	return &Result{Content: []Content{{Type: "text", Text: text}}}
}

// Text joins every text segment.
func (r *Result) Text() string {
	if r == nil {
		return ""
	}
	parts := make([]string, 0, len(r.Content))
	for _, c := range r.Content {
		if c.Type == "text" {
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Call is a validated invocation handed to a Handler. Args has declared
// defaults applied; Input is the caller's argument map as received.
type Call struct {
	Tool  string
	Args  map[string]any
	Input map[string]any
}

// String returns the named argument as a string, or "" when absent or not a
// string.
func (c Call) String(key string) string {
	s, _ := c.Args[key].(string)
	return s
}

type Handler func(ctx context.Context, call Call) (*Result, error)

// Tool binds a unique name to a schema and handler.
type Tool struct {
	Name        string
	Description string
	Schema      Schema
	Handler     Handler
}

// Definition is the wire form of a tool used by catalog listings.
type Definition struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	InputSchema *jsonschema.Schema `json:"inputSchema"`
}

func (t Tool) Definition() Definition {
	return Definition{
		Name:        t.Name,
		Description: t.Description,
		InputSchema: t.Schema.JSONSchema(),
	}
}

// JSONSchema renders the schema as the object schema advertised to clients.
func (s Schema) JSONSchema() *jsonschema.Schema {
	out := &jsonschema.Schema{
		Type:       "object",
		Properties: make(map[string]*jsonschema.Schema, len(s)),
		Required:   []string{},
	}
	for _, p := range s {
		prop := &jsonschema.Schema{Type: p.Type, Description: p.Description, Enum: p.Enum}
		if p.Default != nil {
			// defaults are literals declared in code
			raw, _ := json.Marshal(p.Default)
			prop.Default = raw
		}
		out.Properties[p.Name] = prop
		if p.Required {
			out.Required = append(out.Required, p.Name)
		}
	}
	return out
}
