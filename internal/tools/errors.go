package tools

import (
	"errors"
	"fmt"
)

var ErrDuplicateTool = errors.New("tool already registered")

// UnknownToolError reports a call to a name the registry does not hold.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool: %s", e.Name)
}

// ValidationError names the argument that failed its declared schema.
type ValidationError struct {
	Tool   string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: field %s: %s", e.Tool, e.Field, e.Reason)
}

// HandlerError wraps a failure raised inside a tool handler. Completion
// failures stay reachable through errors.As.
type HandlerError struct {
	Tool string
	Err  error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }
