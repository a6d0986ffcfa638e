package tools

import (
	"errors"
	"fmt"
)

// ErrNoCaller is returned when a tool is invoked without a user to scope
// it to.
var ErrNoCaller = errors.New("tool call has no caller")

// ErrToolUnavailable is returned when a tool call targets a name that is
// not in the registry. It indicates a capability mismatch, not a
// transient execution failure.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available", e.ToolName)
}

// ArgumentError reports arguments that do not satisfy a tool's parameter
// schema.
type ArgumentError struct {
	ToolName string
	Err      error
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %v", e.ToolName, e.Err)
}

func (e *ArgumentError) Unwrap() error { return e.Err }
