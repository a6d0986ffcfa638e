package tools

import "context"

type contextKey string

const callIDKey contextKey = "tool_call_id"

// WithCallID adds the tool call ID to the context so handlers can
// correlate their logs with the executor's.
func WithCallID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, callIDKey, id)
}

// CallIDFromContext extracts the tool call ID from the context. Returns
// an empty string if not set.
func CallIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(callIDKey).(string)
	return id
}
