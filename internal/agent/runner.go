package agent

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nugget/pennywise/internal/extract"
	"github.com/nugget/pennywise/internal/llm"
	"github.com/nugget/pennywise/internal/tools"
)

// Option configures a Runner.
type Option func(*Runner)

// WithDefaultModel sets the model used by policies that name none.
func WithDefaultModel(model string) Option {
	return func(r *Runner) { r.model = model }
}

// WithToolParallelism limits concurrent tool calls within one round.
func WithToolParallelism(n int) Option {
	return func(r *Runner) { r.parallelism = n }
}

// WithToolTimeout bounds each tool call.
func WithToolTimeout(d time.Duration) Option {
	return func(r *Runner) { r.toolTimeout = d }
}

// WithUsageRecorder records token usage per completion call.
func WithUsageRecorder(rec UsageRecorder) Option {
	return func(r *Runner) { r.recorder = rec }
}

// Runner drives policies against a completion client. A Runner holds no
// per-run state and is safe for concurrent use.
type Runner struct {
	client      llm.Client
	logger      *slog.Logger
	model       string
	parallelism int
	toolTimeout time.Duration
	recorder    UsageRecorder
}

// NewRunner creates a runner over client.
func NewRunner(client llm.Client, logger *slog.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		client:      client,
		logger:      logger,
		parallelism: tools.DefaultParallelism,
		toolTimeout: tools.DefaultTimeout,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run drives one conversation to an Outcome. It seeds the conversation
// from p, then alternates completion calls and tool rounds until the
// model completes, truncates, refuses, or p.MaxIterations calls have been
// made. Run never panics and never returns a partial result.
func (r *Runner) Run(ctx context.Context, p Policy, reg *tools.Registry, caller tools.Caller) Outcome {
	start := time.Now()
	log := r.logger.With("policy", p.Name, "user", caller.UserID)

	if err := p.Validate(); err != nil {
		log.Error("refusing to run invalid policy", "error", err)
		return Outcome{Reason: InvalidPolicy, Err: err}
	}

	model := p.Model
	if model == "" {
		model = r.model
	}

	conv := NewConversation(
		llm.SystemMessage(p.SystemPrompt),
		llm.UserMessage(p.UserPrompt),
	)
	exec := tools.NewExecutor(reg, log,
		tools.WithParallelism(r.parallelism),
		tools.WithTimeout(r.toolTimeout),
	)
	defs := reg.Definitions()

	var out Outcome
	finish := func(reason Reason, err error) Outcome {
		out.Reason = reason
		out.Err = err
		out.Elapsed = time.Since(start)
		attrs := []any{
			"iterations", out.Iterations,
			"tool_calls", out.ToolCalls,
			"input_tokens", out.Usage.InputTokens,
			"output_tokens", out.Usage.OutputTokens,
			"elapsed", out.Elapsed.Round(time.Millisecond),
		}
		if reason == "" {
			log.Info("agent run succeeded", attrs...)
		} else {
			log.Warn("agent run incomplete", append(attrs, "reason", reason, "error", err)...)
		}
		return out
	}

	for iter := 1; iter <= p.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return finish(Cancelled, err)
		}

		log.Debug("completion call", "iteration", iter, "messages", conv.Len(), "tools", len(defs))
		resp, err := r.client.Send(ctx, llm.Request{
			Model:     model,
			Messages:  conv.Messages(),
			Tools:     defs,
			MaxTokens: p.MaxTokens,
		})
		out.Iterations = iter
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil || errors.Is(err, context.Canceled) {
				return finish(Cancelled, err)
			}
			return finish(TransportError, err)
		}
		if resp == nil {
			return finish(TransportError, errors.New("completion client returned no response"))
		}

		out.Usage.InputTokens += resp.InputTokens
		out.Usage.OutputTokens += resp.OutputTokens
		r.record(ctx, log, caller, p, model, resp)

		llm.NormalizeStop(resp)
		msg := resp.Message
		msg.Role = llm.RoleAssistant
		conv.Append(msg)

		if calls := msg.ToolCalls(); len(calls) > 0 {
			results := exec.ExecuteAll(ctx, caller, calls)
			parts := make([]llm.ToolResultPart, len(results))
			failed := 0
			for i, res := range results {
				parts[i] = res.Part()
				if !res.Success {
					failed++
				}
			}
			conv.Append(llm.ToolResultMessage(parts...))
			out.ToolCalls += len(results)
			log.Debug("tool round complete", "iteration", iter, "calls", len(results), "failed", failed)
			continue
		}

		switch resp.Stop {
		case llm.StopLength:
			return finish(TokenLimitReached, nil)
		case llm.StopRefused:
			return finish(ContentRefused, nil)
		}

		text := msg.Text()
		result, err := extract.Extract(text, p.Schema)
		if err != nil {
			log.Debug("terminal response did not parse", "error", err, "text_len", len(text))
			return finish(ParseFailure, err)
		}
		out.Result = result
		return finish("", nil)
	}

	if err := ctx.Err(); err != nil {
		return finish(Cancelled, err)
	}
	return finish(IterationsExhausted, nil)
}

func (r *Runner) record(ctx context.Context, log *slog.Logger, caller tools.Caller, p Policy, model string, resp *llm.Response) {
	if r.recorder == nil {
		return
	}
	if resp.Model != "" {
		model = resp.Model
	}
	err := r.recorder.RecordCompletion(ctx, CompletionRecord{
		Timestamp:    time.Now().UTC(),
		UserID:       caller.UserID,
		Policy:       p.Name,
		Model:        model,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
	})
	if err != nil {
		log.Warn("failed to record usage", "error", err)
	}
}
