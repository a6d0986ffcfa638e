package tools

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/nugget/pennywise/internal/llm"
)

// Registry is an immutable, ordered set of tools. It is built once at
// startup and shared read-only by concurrent runs.
type Registry struct {
	tools   []Tool
	byName  map[string]int
	schemas map[string]*jsonschema.Schema
	defs    []llm.ToolDefinition
}

// NewRegistry builds a registry from tools in the given order. Empty or
// duplicate names and parameter schemas that fail to compile are errors.
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{
		byName:  make(map[string]int, len(tools)),
		schemas: make(map[string]*jsonschema.Schema, len(tools)),
	}
	for _, t := range tools {
		desc := t.Definition()
		if desc.Name == "" {
			return nil, fmt.Errorf("tool with empty name")
		}
		if _, dup := r.byName[desc.Name]; dup {
			return nil, fmt.Errorf("duplicate tool %q", desc.Name)
		}

		schema, err := compileSchema(desc)
		if err != nil {
			return nil, fmt.Errorf("tool %s: %w", desc.Name, err)
		}

		r.byName[desc.Name] = len(r.tools)
		r.tools = append(r.tools, t)
		r.schemas[desc.Name] = schema
		r.defs = append(r.defs, desc.Definition())
	}
	return r, nil
}

func compileSchema(desc Descriptor) (*jsonschema.Schema, error) {
	doc, err := toJSONValue(desc.Schema())
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	url := desc.Name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	s, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return s, nil
}

// toJSONValue round-trips v through JSON so the validator sees the same
// value shapes it would after decoding a request.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(b))
}

// Lookup returns the tool with the given name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	if r == nil {
		return nil, false
	}
	i, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	return r.tools[i], true
}

// Definitions returns the model-facing definitions in registration order.
func (r *Registry) Definitions() []llm.ToolDefinition {
	if r == nil || len(r.defs) == 0 {
		return nil
	}
	out := make([]llm.ToolDefinition, len(r.defs))
	copy(out, r.defs)
	return out
}

// Names returns the tool names in registration order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, len(r.tools))
	for i, d := range r.defs {
		names[i] = d.Name
	}
	return names
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.tools)
}

// validate checks args against the tool's parameter schema.
func (r *Registry) validate(name string, args map[string]any) error {
	s, ok := r.schemas[name]
	if !ok {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}
	v, err := toJSONValue(args)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	return s.Validate(v)
}
