package agent

import (
	"context"
	"time"

	"github.com/nugget/pennywise/internal/extract"
)

// Reason explains why a run ended without a result.
type Reason string

const (
	ParseFailure        Reason = "parse_failure"
	TokenLimitReached   Reason = "token_limit_reached"
	ContentRefused      Reason = "content_refused"
	IterationsExhausted Reason = "iterations_exhausted"
	TransportError      Reason = "transport_error"
	Cancelled           Reason = "cancelled"
	InvalidPolicy       Reason = "invalid_policy"
)

// Usage totals token consumption across a run.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Outcome is the terminal value of a run. Result is set only on success;
// Reason is set only on failure. Err carries the underlying detail for
// logs and must not be shown to end users.
type Outcome struct {
	Result extract.Result
	Reason Reason
	Err    error

	Iterations int // completion calls made
	ToolCalls  int // tool executions
	Usage      Usage
	Elapsed    time.Duration
}

// OK reports whether the run produced a result.
func (o Outcome) OK() bool { return o.Reason == "" }

// CompletionRecord describes one completion call for usage accounting.
type CompletionRecord struct {
	Timestamp    time.Time
	UserID       string
	Policy       string
	Model        string
	InputTokens  int
	OutputTokens int
}

// UsageRecorder receives one record per completion call. Errors are
// logged and never fail the run.
type UsageRecorder interface {
	RecordCompletion(ctx context.Context, rec CompletionRecord) error
}
