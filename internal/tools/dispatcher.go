package tools

import (
	"context"
	"errors"
	"log"
	"time"
)

// Dispatcher resolves, validates and runs tool calls against one Registry.
// Every transport shares the same instance.
type Dispatcher struct {
	reg *Registry
}

func NewDispatcher(reg *Registry) *Dispatcher {
	return &Dispatcher{reg: reg}
}

func (d *Dispatcher) Registry() *Registry { return d.reg }

// Invoke runs the named tool. Errors are *UnknownToolError, *ValidationError
// or *HandlerError.
func (d *Dispatcher) Invoke(ctx context.Context, name string, args map[string]any) (*Result, error) {
	t, ok := d.reg.Get(name)
	if !ok {
		return nil, &UnknownToolError{Name: name}
	}
	if args == nil {
		args = map[string]any{}
	}

	filled, err := validate(name, t.Schema, args)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	res, err := t.Handler(ctx, Call{Tool: name, Args: filled, Input: cloneArgs(args)})
	if err != nil {
		log.Printf("[tools] %s failed after %s: %v", name, time.Since(start).Round(time.Millisecond), err)
		return nil, &HandlerError{Tool: name, Err: err}
	}
	if res == nil {
		return nil, &HandlerError{Tool: name, Err: errors.New("handler returned no result")}
	}
	return res, nil
}
