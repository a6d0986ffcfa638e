// Package tools provides the static tool registry and the executor that
// runs tool calls requested by the model.
package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/nugget/pennywise/internal/llm"
)

// Caller identifies whose data a tool call is scoped to. It is passed
// explicitly into every invocation.
type Caller struct {
	UserID string
}

// Validate rejects a caller with no user.
func (c Caller) Validate() error {
	if strings.TrimSpace(c.UserID) == "" {
		return ErrNoCaller
	}
	return nil
}

// Param describes one tool parameter.
type Param struct {
	Name        string
	Type        string // JSON schema type: string, integer, number, boolean, object, array
	Description string
	Required    bool
	Default     any
	Enum        []string
}

// Descriptor is the model-facing description of a tool.
type Descriptor struct {
	Name        string
	Description string
	Params      []Param
}

// Schema renders the parameters as a JSON schema object.
func (d Descriptor) Schema() map[string]any {
	props := make(map[string]any, len(d.Params))
	var required []string
	for _, p := range d.Params {
		prop := map[string]any{"type": p.Type}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		if len(p.Enum) > 0 {
			enum := make([]any, len(p.Enum))
			for i, v := range p.Enum {
				enum[i] = v
			}
			prop["enum"] = enum
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}

	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// Definition renders the descriptor for a completion request.
func (d Descriptor) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        d.Name,
		Description: d.Description,
		Parameters:  d.Schema(),
	}
}

// Tool is a named capability the model may invoke.
type Tool interface {
	Definition() Descriptor
	Invoke(ctx context.Context, caller Caller, args map[string]any) (any, error)
}

// Func adapts an untyped handler into a Tool.
func Func(desc Descriptor, fn func(ctx context.Context, caller Caller, args map[string]any) (any, error)) Tool {
	return funcTool{desc: desc, fn: fn}
}

type funcTool struct {
	desc Descriptor
	fn   func(context.Context, Caller, map[string]any) (any, error)
}

func (t funcTool) Definition() Descriptor { return t.desc }

func (t funcTool) Invoke(ctx context.Context, caller Caller, args map[string]any) (any, error) {
	return t.fn(ctx, caller, withDefaults(t.desc.Params, args))
}

// Typed adapts a handler taking a typed argument struct. Arguments are
// decoded with mapstructure using json tags and weak typing, after
// parameter defaults have been filled in.
func Typed[A, R any](desc Descriptor, fn func(ctx context.Context, caller Caller, args A) (R, error)) Tool {
	return typedTool[A, R]{desc: desc, fn: fn}
}

type typedTool[A, R any] struct {
	desc Descriptor
	fn   func(context.Context, Caller, A) (R, error)
}

func (t typedTool[A, R]) Definition() Descriptor { return t.desc }

func (t typedTool[A, R]) Invoke(ctx context.Context, caller Caller, args map[string]any) (any, error) {
	var a A
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &a,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, fmt.Errorf("build decoder: %w", err)
	}
	if err := dec.Decode(withDefaults(t.desc.Params, args)); err != nil {
		return nil, &ArgumentError{ToolName: t.desc.Name, Err: err}
	}
	return t.fn(ctx, caller, a)
}

// withDefaults returns args with missing parameters set to their
// declared defaults. The input map is not modified.
func withDefaults(params []Param, args map[string]any) map[string]any {
	out := make(map[string]any, len(args)+len(params))
	for k, v := range args {
		out[k] = v
	}
	for _, p := range params {
		if _, ok := out[p.Name]; !ok && p.Default != nil {
			out[p.Name] = p.Default
		}
	}
	return out
}

// ClampLimit bounds a model-requested result count. Non-positive
// requests get def; anything above max is cut to max.
func ClampLimit(requested, def, max int) int {
	if requested <= 0 {
		requested = def
	}
	if requested > max {
		return max
	}
	return requested
}
