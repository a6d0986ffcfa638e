package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nugget/pennywise/internal/extract"
	"github.com/nugget/pennywise/internal/llm"
	"github.com/nugget/pennywise/internal/tools"
)

// scriptedLLM replays responses produced by script, recording every
// request it receives.
type scriptedLLM struct {
	mu     sync.Mutex
	calls  []llm.Request
	script func(call int, req llm.Request) (*llm.Response, error)
}

func (s *scriptedLLM) Send(_ context.Context, req llm.Request) (*llm.Response, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	n := len(s.calls)
	s.mu.Unlock()
	return s.script(n, req)
}

func (s *scriptedLLM) Ping(context.Context) error { return nil }

func (s *scriptedLLM) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func sequence(resps ...func() *llm.Response) func(int, llm.Request) (*llm.Response, error) {
	return func(call int, _ llm.Request) (*llm.Response, error) {
		if call > len(resps) {
			return nil, errors.New("script exhausted")
		}
		return resps[call-1](), nil
	}
}

func toolCalls(calls ...llm.ToolCallPart) func() *llm.Response {
	return func() *llm.Response {
		parts := make([]llm.Part, len(calls))
		for i, c := range calls {
			parts[i] = c
		}
		return &llm.Response{
			Message:      llm.Message{Role: llm.RoleAssistant, Parts: parts},
			Stop:         llm.StopToolCalls,
			InputTokens:  100,
			OutputTokens: 10,
		}
	}
}

func final(text string, stop llm.StopReason) func() *llm.Response {
	return func() *llm.Response {
		return &llm.Response{
			Message:      llm.AssistantMessage(text),
			Stop:         stop,
			InputTokens:  200,
			OutputTokens: 20,
		}
	}
}

var answerSchema = extract.Schema{Fields: []extract.Field{
	{Name: "answer", Kind: extract.String, Required: true},
	{Name: "amount", Kind: extract.Number, Nullable: true},
	{Name: "transactions", Kind: extract.Array, Nullable: true, MaxItems: 5, Fields: []extract.Field{
		{Name: "id", Kind: extract.String},
	}},
}}

func testPolicy(maxIter int) Policy {
	return Policy{
		Name:          "test",
		SystemPrompt:  "You answer questions about money.",
		UserPrompt:    "How much did I spend on Coffee?",
		MaxIterations: maxIter,
		Schema:        answerSchema,
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type spendingArgs struct {
	Category string `json:"category"`
}

func testRegistry(t *testing.T, executions *int, mu *sync.Mutex) *tools.Registry {
	t.Helper()
	spending := tools.Typed(tools.Descriptor{
		Name:   "spending_by_category",
		Params: []tools.Param{{Name: "category", Type: "string"}},
	}, func(_ context.Context, caller tools.Caller, a spendingArgs) (map[string]any, error) {
		mu.Lock()
		*executions++
		mu.Unlock()
		return map[string]any{"user": caller.UserID, "category": a.Category, "total": 42.0}, nil
	})
	broken := tools.Func(tools.Descriptor{Name: "broken"}, func(context.Context, tools.Caller, map[string]any) (any, error) {
		return nil, errors.New("index corrupted")
	})
	reg, err := tools.NewRegistry(spending, broken)
	require.NoError(t, err)
	return reg
}

var caller = tools.Caller{UserID: "user-1"}

func TestRun_CoffeeQuery(t *testing.T) {
	var executions int
	var mu sync.Mutex
	client := &scriptedLLM{script: sequence(
		toolCalls(llm.ToolCallPart{ID: "c1", Name: "spending_by_category", Arguments: map[string]any{"category": "Coffee"}}),
		final(`{"answer":"You spent $42.00 on Coffee this month.","amount":42.00,"transactions":null}`, llm.StopCompleted),
	)}

	out := NewRunner(client, quietLogger()).Run(context.Background(), testPolicy(5), testRegistry(t, &executions, &mu), caller)

	require.True(t, out.OK(), "reason=%s err=%v", out.Reason, out.Err)
	assert.Equal(t, 42.0, out.Result["amount"])
	assert.Nil(t, out.Result["transactions"])
	assert.Equal(t, "You spent $42.00 on Coffee this month.", out.Result["answer"])
	assert.Equal(t, 2, client.callCount())
	assert.Equal(t, 1, executions)
	assert.Equal(t, 2, out.Iterations)
	assert.Equal(t, 1, out.ToolCalls)
	assert.Equal(t, Usage{InputTokens: 300, OutputTokens: 30}, out.Usage)

	// The second call sees the tool result scoped to the caller.
	second := client.calls[1]
	require.Len(t, second.Messages, 4)
	last := second.Messages[3]
	assert.Equal(t, llm.RoleTool, last.Role)
	results := last.ToolResults()
	require.Len(t, results, 1)
	assert.Equal(t, "c1", results[0].CallID)
	assert.Contains(t, results[0].Content, `"user":"user-1"`)
}

func TestRun_SeedsConversationAndSendsTools(t *testing.T) {
	client := &scriptedLLM{script: sequence(final(`{"answer":"ok"}`, llm.StopCompleted))}
	var n int
	var mu sync.Mutex

	out := NewRunner(client, quietLogger(), WithDefaultModel("m1")).Run(context.Background(), testPolicy(5), testRegistry(t, &n, &mu), caller)
	require.True(t, out.OK())

	req := client.calls[0]
	assert.Equal(t, "m1", req.Model)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, llm.RoleSystem, req.Messages[0].Role)
	assert.Equal(t, "You answer questions about money.", req.Messages[0].Text())
	assert.Equal(t, llm.RoleUser, req.Messages[1].Role)
	require.Len(t, req.Tools, 2)
	assert.Equal(t, "spending_by_category", req.Tools[0].Name)
}

func TestRun_EmptyRegistry(t *testing.T) {
	client := &scriptedLLM{script: sequence(final(`{"answer":"no tools needed"}`, llm.StopCompleted))}
	out := NewRunner(client, quietLogger()).Run(context.Background(), testPolicy(5), nil, caller)
	require.True(t, out.OK())
	assert.Nil(t, client.calls[0].Tools)
	assert.Equal(t, 1, client.callCount())
}

func TestRun_IterationsExhausted(t *testing.T) {
	for _, n := range []int{1, 3, HardIterationCeiling} {
		client := &scriptedLLM{script: func(int, llm.Request) (*llm.Response, error) {
			return toolCalls(llm.ToolCallPart{ID: "x", Name: "spending_by_category"})(), nil
		}}
		var execs int
		var mu sync.Mutex
		out := NewRunner(client, quietLogger()).Run(context.Background(), testPolicy(n), testRegistry(t, &execs, &mu), caller)

		assert.Equal(t, IterationsExhausted, out.Reason)
		assert.Nil(t, out.Result)
		assert.Equal(t, n, client.callCount(), "at most N completion calls for N=%d", n)
		assert.Equal(t, n, out.ToolCalls)
	}
}

func TestRun_ToolResultsInRequestOrder(t *testing.T) {
	var execs int
	var mu sync.Mutex
	client := &scriptedLLM{script: sequence(
		toolCalls(
			llm.ToolCallPart{ID: "a", Name: "spending_by_category", Arguments: map[string]any{"category": "Dining"}},
			llm.ToolCallPart{ID: "b", Name: "broken"},
			llm.ToolCallPart{ID: "c", Name: "does_not_exist"},
			llm.ToolCallPart{ID: "d", Name: "spending_by_category", Arguments: map[string]any{"category": 12}},
			llm.ToolCallPart{ID: "e", Name: "spending_by_category", Arguments: map[string]any{"category": "Rent"}},
		),
		final(`{"answer":"done"}`, llm.StopCompleted),
	)}

	out := NewRunner(client, quietLogger(), WithToolParallelism(3)).Run(context.Background(), testPolicy(5), testRegistry(t, &execs, &mu), caller)
	require.True(t, out.OK(), "a failing tool must not abort the run")
	assert.Equal(t, 5, out.ToolCalls)
	assert.Equal(t, 2, execs)

	msgs := client.calls[1].Messages
	results := msgs[len(msgs)-1].ToolResults()
	require.Len(t, results, 5)
	wantIDs := []string{"a", "b", "c", "d", "e"}
	wantErr := []bool{false, true, true, true, false}
	for i, r := range results {
		assert.Equal(t, wantIDs[i], r.CallID)
		assert.Equal(t, wantErr[i], r.IsError, "result %s", r.CallID)
	}
	assert.Contains(t, results[1].Content, "index corrupted")
}

func TestRun_RefusedStopsImmediately(t *testing.T) {
	var execs int
	var mu sync.Mutex
	client := &scriptedLLM{script: sequence(
		toolCalls(llm.ToolCallPart{ID: "1", Name: "spending_by_category"}),
		final("I can't help with that.", llm.StopRefused),
		final(`{"answer":"never reached"}`, llm.StopCompleted),
	)}

	out := NewRunner(client, quietLogger()).Run(context.Background(), testPolicy(5), testRegistry(t, &execs, &mu), caller)
	assert.Equal(t, ContentRefused, out.Reason)
	assert.Nil(t, out.Result)
	assert.Equal(t, 2, client.callCount())
}

func TestRun_TerminalReasons(t *testing.T) {
	tests := []struct {
		name string
		resp func() *llm.Response
		want Reason
	}{
		{"length", final(`{"answer":"trunc`, llm.StopLength), TokenLimitReached},
		{"refused", final("", llm.StopRefused), ContentRefused},
		{"no json", final("You spent a lot.", llm.StopCompleted), ParseFailure},
		{"missing required", final(`{"amount": 3}`, llm.StopCompleted), ParseFailure},
		{"empty", final("", llm.StopCompleted), ParseFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &scriptedLLM{script: sequence(tt.resp)}
			out := NewRunner(client, quietLogger()).Run(context.Background(), testPolicy(5), nil, caller)
			assert.Equal(t, tt.want, out.Reason)
			assert.False(t, out.OK())
			assert.Nil(t, out.Result)
			assert.Equal(t, 1, client.callCount())
		})
	}
}

func TestRun_TransportError(t *testing.T) {
	client := &scriptedLLM{script: func(int, llm.Request) (*llm.Response, error) {
		return nil, errors.New("dial tcp: connection refused")
	}}
	out := NewRunner(client, quietLogger()).Run(context.Background(), testPolicy(5), nil, caller)
	assert.Equal(t, TransportError, out.Reason)
	assert.ErrorContains(t, out.Err, "connection refused")
	assert.Equal(t, 1, client.callCount())
}

func TestRun_Cancelled(t *testing.T) {
	t.Run("before first call", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		client := &scriptedLLM{script: sequence(final(`{"answer":"x"}`, llm.StopCompleted))}
		out := NewRunner(client, quietLogger()).Run(ctx, testPolicy(5), nil, caller)
		assert.Equal(t, Cancelled, out.Reason)
		assert.Equal(t, 0, client.callCount())
	})

	t.Run("during completion call", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		client := &scriptedLLM{script: func(int, llm.Request) (*llm.Response, error) {
			cancel()
			return nil, context.Canceled
		}}
		out := NewRunner(client, quietLogger()).Run(ctx, testPolicy(5), nil, caller)
		assert.Equal(t, Cancelled, out.Reason)
	})

	t.Run("during tool round", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		stopper := tools.Func(tools.Descriptor{Name: "stop"}, func(context.Context, tools.Caller, map[string]any) (any, error) {
			cancel()
			return "ok", nil
		})
		reg, err := tools.NewRegistry(stopper)
		require.NoError(t, err)
		client := &scriptedLLM{script: sequence(
			toolCalls(llm.ToolCallPart{ID: "1", Name: "stop"}),
			final(`{"answer":"x"}`, llm.StopCompleted),
		)}
		out := NewRunner(client, quietLogger()).Run(ctx, testPolicy(5), reg, caller)
		assert.Equal(t, Cancelled, out.Reason)
		assert.Equal(t, 1, client.callCount())
	})

	t.Run("on last iteration", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		stopper := tools.Func(tools.Descriptor{Name: "stop"}, func(context.Context, tools.Caller, map[string]any) (any, error) {
			cancel()
			return "ok", nil
		})
		reg, err := tools.NewRegistry(stopper)
		require.NoError(t, err)
		client := &scriptedLLM{script: sequence(toolCalls(llm.ToolCallPart{ID: "1", Name: "stop"}))}
		out := NewRunner(client, quietLogger()).Run(ctx, testPolicy(1), reg, caller)
		assert.Equal(t, Cancelled, out.Reason)
	})
}

func TestRun_InvalidPolicy(t *testing.T) {
	client := &scriptedLLM{script: sequence(final(`{"answer":"x"}`, llm.StopCompleted))}
	r := NewRunner(client, quietLogger())

	for _, p := range []Policy{
		testPolicy(0),
		testPolicy(HardIterationCeiling + 1),
		{Name: "no prompts", MaxIterations: 3, Schema: answerSchema},
		{Name: "no schema", SystemPrompt: "s", UserPrompt: "u", MaxIterations: 3},
	} {
		out := r.Run(context.Background(), p, nil, caller)
		assert.Equal(t, InvalidPolicy, out.Reason, p.Name)
		assert.ErrorIs(t, out.Err, ErrInvalidPolicy)
	}
	assert.Equal(t, 0, client.callCount())
}

type memRecorder struct {
	mu   sync.Mutex
	recs []CompletionRecord
	err  error
}

func (m *memRecorder) RecordCompletion(_ context.Context, rec CompletionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return m.err
}

func TestRun_RecordsUsage(t *testing.T) {
	rec := &memRecorder{err: errors.New("disk full")}
	var execs int
	var mu sync.Mutex
	client := &scriptedLLM{script: sequence(
		toolCalls(llm.ToolCallPart{ID: "1", Name: "spending_by_category"}),
		final(`{"answer":"ok"}`, llm.StopCompleted),
	)}

	out := NewRunner(client, quietLogger(), WithUsageRecorder(rec), WithDefaultModel("m")).
		Run(context.Background(), testPolicy(5), testRegistry(t, &execs, &mu), caller)
	require.True(t, out.OK(), "recorder errors are not fatal")

	require.Len(t, rec.recs, 2)
	assert.Equal(t, "user-1", rec.recs[0].UserID)
	assert.Equal(t, "test", rec.recs[0].Policy)
	assert.Equal(t, "m", rec.recs[0].Model)
	assert.Equal(t, 200, rec.recs[1].InputTokens)
}

func TestRun_ConcurrentRunsAreIndependent(t *testing.T) {
	client := &scriptedLLM{script: func(_ int, req llm.Request) (*llm.Response, error) {
		if len(req.Messages) == 2 {
			return toolCalls(llm.ToolCallPart{ID: "1", Name: "spending_by_category"})(), nil
		}
		return final(`{"answer":"ok"}`, llm.StopCompleted)(), nil
	}}
	var execs int
	var mu sync.Mutex
	reg := testRegistry(t, &execs, &mu)
	r := NewRunner(client, quietLogger())

	var wg sync.WaitGroup
	outs := make([]Outcome, 8)
	for i := range outs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outs[i] = r.Run(context.Background(), testPolicy(5), reg, tools.Caller{UserID: "u"})
		}()
	}
	wg.Wait()

	for _, out := range outs {
		assert.True(t, out.OK())
		assert.Equal(t, 2, out.Iterations)
	}
	assert.Equal(t, 8, execs)
}

func TestConversation(t *testing.T) {
	c := NewConversation(llm.SystemMessage("s"))
	c.Append(llm.UserMessage("u"))
	msgs := c.Messages()
	require.Len(t, msgs, 2)

	msgs[0] = llm.UserMessage("mutated")
	assert.Equal(t, "s", c.Messages()[0].Text(), "Messages returns a copy")
	assert.Equal(t, 2, c.Len())
}
