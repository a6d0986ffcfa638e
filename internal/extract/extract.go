package extract

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/mitchellh/mapstructure"
)

var (
	// ErrParse is matched by every extraction failure.
	ErrParse = errors.New("response does not match schema")

	// ErrNoJSON means the text contained no fenced block and no JSON
	// object or array.
	ErrNoJSON = errors.New("no JSON found in response")
)

// ParseError reports where extraction failed. errors.Is(err, ErrParse)
// holds for every ParseError.
type ParseError struct {
	Path string
	Msg  string
	Err  error
}

func (e *ParseError) Error() string {
	msg := e.Msg
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg += ": " + e.Err.Error()
		}
	}
	if e.Path == "" {
		return "extract: " + msg
	}
	return fmt.Sprintf("extract: %s: %s", e.Path, msg)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Is makes every ParseError match ErrParse.
func (e *ParseError) Is(target error) bool { return target == ErrParse }

// Result is a validated payload. Values are string, float64, bool, nil,
// map[string]any or []any.
type Result map[string]any

// Extract locates the JSON payload in text and validates it against
// schema. It either returns a complete Result or a *ParseError; no
// partial result is ever returned.
func Extract(text string, schema Schema) (Result, error) {
	raw, err := locate(text, schema.WrapArray != "")
	if err != nil {
		return nil, &ParseError{Err: err}
	}

	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, &ParseError{Msg: "decode", Err: err}
	}

	if arr, ok := v.([]any); ok && schema.WrapArray != "" {
		v = map[string]any{schema.WrapArray: arr}
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, &ParseError{Msg: fmt.Sprintf("top level is %s, want object", typeName(v))}
	}

	out, err := object(schema.Fields, obj, "")
	if err != nil {
		return nil, err
	}
	return Result(out), nil
}

func object(fields []Field, in map[string]any, path string) (map[string]any, error) {
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		p := join(path, f.Name)
		raw, present := in[f.Name]

		v, err := value(f, raw, present, p)
		if err != nil {
			return nil, err
		}
		out[f.Name] = v
	}
	return out, nil
}

func value(f Field, raw any, present bool, path string) (any, error) {
	if !present && f.Required {
		return nil, &ParseError{Path: path, Msg: "required field missing"}
	}
	if len(f.Enum) > 0 {
		// Unknown or null members fall back instead of failing.
		if s, ok := raw.(string); ok {
			if canon, ok := matchEnum(f.Enum, s); ok {
				return canon, nil
			}
		}
		return f.Default, nil
	}
	if !present {
		return nil, nil
	}
	if raw == nil {
		if f.Nullable || !f.Required {
			return nil, nil
		}
		return nil, &ParseError{Path: path, Msg: "required field is null"}
	}

	switch f.Kind {
	case String:
		switch v := raw.(type) {
		case string:
			return v, nil
		case json.Number:
			return v.String(), nil
		}
	case Number:
		switch v := raw.(type) {
		case json.Number:
			n, err := v.Float64()
			if err != nil {
				return nil, &ParseError{Path: path, Msg: "bad number", Err: err}
			}
			return n, nil
		case string:
			if n, ok := parseAmount(v); ok {
				return n, nil
			}
		}
	case Bool:
		if v, ok := raw.(bool); ok {
			return v, nil
		}
	case Object:
		if m, ok := raw.(map[string]any); ok {
			if len(f.Fields) == 0 {
				return plain(m), nil
			}
			return object(f.Fields, m, path)
		}
	case Array:
		if arr, ok := raw.([]any); ok {
			return array(f, arr, path)
		}
	}
	return nil, &ParseError{Path: path, Msg: fmt.Sprintf("got %s, want %s", typeName(raw), f.Kind)}
}

func array(f Field, arr []any, path string) ([]any, error) {
	if f.MaxItems > 0 && len(arr) > f.MaxItems {
		arr = arr[:f.MaxItems]
	}
	out := make([]any, 0, len(arr))
	for i, item := range arr {
		p := fmt.Sprintf("%s[%d]", path, i)
		if len(f.Fields) == 0 {
			out = append(out, plain(item))
			continue
		}
		m, ok := item.(map[string]any)
		if !ok {
			return nil, &ParseError{Path: p, Msg: fmt.Sprintf("got %s, want object", typeName(item))}
		}
		obj, err := object(f.Fields, m, p)
		if err != nil {
			return nil, err
		}
		out = append(out, obj)
	}
	return out, nil
}

// matchEnum finds the member equal to s ignoring case, spaces,
// underscores and dashes.
func matchEnum(members []string, s string) (string, bool) {
	key := enumKey(s)
	if key == "" {
		return "", false
	}
	for _, m := range members {
		if enumKey(m) == key {
			return m, true
		}
	}
	return "", false
}

func enumKey(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

// parseAmount accepts numbers written as strings, such as "42.00" or
// "$1,204.50".
func parseAmount(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	s = strings.TrimPrefix(s, "$")
	s = strings.ReplaceAll(s, ",", "")
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	if neg {
		n = -n
	}
	return n, true
}

// plain converts decoded values to canonical Go types.
func plain(v any) any {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Float64(); err == nil {
			return n
		}
		return t.String()
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, x := range t {
			out[k] = plain(x)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = plain(x)
		}
		return out
	}
	return v
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case json.Number, float64:
		return "number"
	case bool:
		return "boolean"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	}
	return fmt.Sprintf("%T", v)
}

func join(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}

// Decode copies a Result into a typed value using json tags.
func Decode(r Result, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("build decoder: %w", err)
	}
	if err := dec.Decode(map[string]any(r)); err != nil {
		return &ParseError{Msg: "decode result", Err: err}
	}
	return nil
}
