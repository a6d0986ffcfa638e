package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/pennywise/internal/llm"
)

// Executor defaults.
const (
	DefaultTimeout     = 30 * time.Second
	DefaultParallelism = 4
)

// Result is the outcome of one tool call. Every call produces exactly one.
type Result struct {
	CallID   string
	Name     string
	Success  bool
	Payload  string // JSON-encoded handler result when Success
	Error    string
	Duration time.Duration
}

// Part renders the result for the conversation.
func (r Result) Part() llm.ToolResultPart {
	if r.Success {
		return llm.ToolResultPart{CallID: r.CallID, Name: r.Name, Content: r.Payload}
	}
	return llm.ToolResultPart{CallID: r.CallID, Name: r.Name, Content: "Error: " + r.Error, IsError: true}
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithTimeout bounds each tool call. Zero or negative keeps the default.
func WithTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithParallelism limits how many calls of one round run at once.
func WithParallelism(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.parallelism = n
		}
	}
}

// Executor runs tool calls against a registry, converting every failure
// into a failed Result.
type Executor struct {
	registry    *Registry
	logger      *slog.Logger
	timeout     time.Duration
	parallelism int
}

// NewExecutor creates an executor over reg. A nil registry makes every
// call fail as unavailable.
func NewExecutor(reg *Registry, logger *slog.Logger, opts ...ExecutorOption) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		registry:    reg,
		logger:      logger,
		timeout:     DefaultTimeout,
		parallelism: DefaultParallelism,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Execute runs a single tool call.
func (e *Executor) Execute(ctx context.Context, caller Caller, call llm.ToolCallPart) Result {
	start := time.Now()
	res := Result{CallID: call.ID, Name: call.Name}

	payload, err := e.invoke(ctx, caller, call)
	res.Duration = time.Since(start)

	if err != nil {
		res.Error = err.Error()
		e.logger.Warn("tool call failed",
			"tool", call.Name,
			"call_id", call.ID,
			"user", caller.UserID,
			"duration", res.Duration,
			"error", err,
		)
		return res
	}

	res.Success = true
	res.Payload = payload
	e.logger.Debug("tool call completed",
		"tool", call.Name,
		"call_id", call.ID,
		"user", caller.UserID,
		"duration", res.Duration,
		"payload_len", len(payload),
	)
	return res
}

func (e *Executor) invoke(ctx context.Context, caller Caller, call llm.ToolCallPart) (string, error) {
	if err := caller.Validate(); err != nil {
		return "", err
	}
	tool, ok := e.registry.Lookup(call.Name)
	if !ok {
		return "", &ErrToolUnavailable{ToolName: call.Name}
	}
	if err := e.registry.validate(call.Name, call.Arguments); err != nil {
		return "", &ArgumentError{ToolName: call.Name, Err: err}
	}

	ctx, cancel := context.WithTimeout(WithCallID(ctx, call.ID), e.timeout)
	defer cancel()

	type outcome struct {
		v   any
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("tool %s panicked: %v", call.Name, p)}
			}
		}()
		v, err := tool.Invoke(ctx, caller, call.Arguments)
		done <- outcome{v: v, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-ctx.Done():
		return "", fmt.Errorf("tool %s: %w", call.Name, ctx.Err())
	}
	if out.err != nil {
		return "", out.err
	}

	b, err := json.Marshal(out.v)
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(b), nil
}

// ExecuteAll runs one round of calls concurrently and returns their
// results in request order.
func (e *Executor) ExecuteAll(ctx context.Context, caller Caller, calls []llm.ToolCallPart) []Result {
	results := make([]Result, len(calls))
	var g errgroup.Group
	g.SetLimit(e.parallelism)
	for i, call := range calls {
		g.Go(func() error {
			results[i] = e.Execute(ctx, caller, call)
			return nil
		})
	}
	_ = g.Wait()
	return results
}
