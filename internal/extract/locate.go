// Package extract turns a model's final free-text message into a
// structured result checked against a schema.
package extract

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Locate finds the JSON payload in text. A fenced code block tagged json
// wins; otherwise the first top-level object or array that decodes
// cleanly is used. It returns ErrNoJSON when neither exists.
func Locate(s string) (string, error) {
	return locate(s, true)
}

// locate is Locate with bare arrays outside a fence optionally skipped,
// so a stray list in the prose does not shadow the object after it.
func locate(s string, arrays bool) (string, error) {
	if body, ok := fencedJSON([]byte(s)); ok {
		return body, nil
	}
	if raw, ok := firstJSONValue(s, arrays); ok {
		return raw, nil
	}
	return "", ErrNoJSON
}

// fencedJSON returns the body of the first ```json block.
func fencedJSON(src []byte) (string, bool) {
	doc := goldmark.DefaultParser().Parse(text.NewReader(src))

	var body string
	var found bool
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		block, ok := n.(*ast.FencedCodeBlock)
		if !ok {
			return ast.WalkContinue, nil
		}
		if !strings.EqualFold(string(block.Language(src)), "json") {
			return ast.WalkSkipChildren, nil
		}
		var buf bytes.Buffer
		lines := block.Lines()
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			buf.Write(seg.Value(src))
		}
		body = strings.TrimSpace(buf.String())
		found = body != ""
		if found {
			return ast.WalkStop, nil
		}
		return ast.WalkSkipChildren, nil
	})
	return body, found
}

// firstJSONValue scans for the first '{' (or '[' when arrays is set)
// from which a complete JSON value decodes. A skipped array is stepped
// over whole.
func firstJSONValue(s string, arrays bool) (string, bool) {
	for i := 0; i < len(s); {
		c := s[i]
		if c != '{' && c != '[' {
			i++
			continue
		}
		dec := json.NewDecoder(strings.NewReader(s[i:]))
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			i++
			continue
		}
		if c == '[' && !arrays {
			i += int(dec.InputOffset())
			continue
		}
		return string(raw), true
	}
	return "", false
}
