package usage

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/nugget/pennywise/internal/agent"
	"github.com/nugget/pennywise/internal/config"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "usage_test.db")
	s, err := NewStore(dbPath, testPricing())
	if err != nil {
		t.Fatalf("NewStore(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testPricing() map[string]config.PricingEntry {
	return map[string]config.PricingEntry{
		"claude-sonnet-4-5": {InputPerMillion: 3.0, OutputPerMillion: 15.0},
		"gemini-2.5-flash":  {InputPerMillion: 0.30, OutputPerMillion: 2.50},
	}
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestRecord_And_Summary(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	recs := []Record{
		{Timestamp: now, UserID: "user-1", Policy: "query", Model: "claude-sonnet-4-5", Provider: "anthropic", InputTokens: 1000, OutputTokens: 500, CostUSD: 0.0105},
		{Timestamp: now, UserID: "user-2", Policy: "recommendation", Model: "qwen3:4b", Provider: "ollama", InputTokens: 2000, OutputTokens: 1000},
	}
	for _, rec := range recs {
		if err := s.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	sum, err := s.Summary(ctx, now.Add(-time.Minute), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.TotalRecords != 2 {
		t.Errorf("TotalRecords = %d, want 2", sum.TotalRecords)
	}
	if sum.TotalInputTokens != 3000 || sum.TotalOutputTokens != 1500 {
		t.Errorf("tokens = %d/%d, want 3000/1500", sum.TotalInputTokens, sum.TotalOutputTokens)
	}
	if !approx(sum.TotalCostUSD, 0.0105) {
		t.Errorf("TotalCostUSD = %f, want 0.0105", sum.TotalCostUSD)
	}
}

func TestUserSummary(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	recs := []Record{
		{Timestamp: now, UserID: "user-1", Policy: "query", Model: "claude-sonnet-4-5", Provider: "anthropic", InputTokens: 1000, OutputTokens: 500, CostUSD: 0.0105},
		{Timestamp: now, UserID: "user-1", Policy: "recommendation", Model: "qwen3:4b", Provider: "ollama", InputTokens: 300, OutputTokens: 100},
		{Timestamp: now, UserID: "user-2", Policy: "query", Model: "qwen3:4b", Provider: "ollama", InputTokens: 9000, OutputTokens: 9000},
	}
	for _, rec := range recs {
		if err := s.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	start, end := now.Add(-time.Minute), now.Add(time.Minute)

	sum, err := s.UserSummary(ctx, "user-1", start, end)
	if err != nil {
		t.Fatalf("UserSummary: %v", err)
	}
	if sum.TotalRecords != 2 || sum.TotalInputTokens != 1300 {
		t.Errorf("user-1 summary = %+v, want 2 records and 1300 input tokens", sum)
	}

	byPolicy, err := s.UserSummaryByPolicy(ctx, "user-1", start, end)
	if err != nil {
		t.Fatalf("UserSummaryByPolicy: %v", err)
	}
	if len(byPolicy) != 2 {
		t.Fatalf("got %d policies, want 2", len(byPolicy))
	}
	if q := byPolicy["query"]; q == nil || q.TotalInputTokens != 1000 {
		t.Errorf("query policy = %+v, want only user-1's 1000 input tokens", q)
	}

	none, err := s.UserSummary(ctx, "nobody", start, end)
	if err != nil {
		t.Fatalf("UserSummary: %v", err)
	}
	if none.TotalRecords != 0 {
		t.Errorf("unknown user has %d records", none.TotalRecords)
	}
}

func TestSummary_EmptyRange(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := s.Record(ctx, Record{Timestamp: now.Add(-48 * time.Hour), UserID: "u", Policy: "query", Model: "m", Provider: "ollama"}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	sum, err := s.Summary(ctx, now.Add(-time.Hour), now)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.TotalRecords != 0 || sum.TotalCostUSD != 0 {
		t.Errorf("expected empty summary, got %+v", sum)
	}
}

func TestRecordCompletion(t *testing.T) {
	s := testStore(t)
	s.SetProvider("claude-sonnet-4-5", "anthropic")
	ctx := context.Background()
	now := time.Now().UTC()

	var _ agent.UsageRecorder = s

	calls := []agent.CompletionRecord{
		{Timestamp: now, UserID: "user-1", Policy: "query", Model: "claude-sonnet-4-5", InputTokens: 1_000_000, OutputTokens: 100_000},
		{Timestamp: now, UserID: "user-1", Policy: "recommendation", Model: "claude-sonnet-4-5", InputTokens: 2000, OutputTokens: 0},
		{Timestamp: now, UserID: "user-2", Policy: "recommendation", Model: "qwen3:4b", InputTokens: 5000, OutputTokens: 500},
	}
	for _, c := range calls {
		if err := s.RecordCompletion(ctx, c); err != nil {
			t.Fatalf("RecordCompletion: %v", err)
		}
	}

	start, end := now.Add(-time.Minute), now.Add(time.Minute)

	byPolicy, err := s.SummaryByPolicy(ctx, start, end)
	if err != nil {
		t.Fatalf("SummaryByPolicy: %v", err)
	}
	if q := byPolicy["query"]; q == nil || !approx(q.TotalCostUSD, 4.5) {
		t.Errorf("query summary = %+v, want cost 4.5", q)
	}
	if r := byPolicy["recommendation"]; r == nil || r.TotalRecords != 2 || !approx(r.TotalCostUSD, 0.006) {
		t.Errorf("recommendation summary = %+v", r)
	}

	byUser, err := s.SummaryByUser(ctx, start, end)
	if err != nil {
		t.Fatalf("SummaryByUser: %v", err)
	}
	if u := byUser["user-2"]; u == nil || u.TotalCostUSD != 0 || u.TotalInputTokens != 5000 {
		t.Errorf("user-2 summary = %+v", u)
	}

	byModel, err := s.SummaryByModel(ctx, start, end)
	if err != nil {
		t.Fatalf("SummaryByModel: %v", err)
	}
	if len(byModel) != 2 {
		t.Errorf("models = %d, want 2", len(byModel))
	}

	var provider string
	if err := s.db.QueryRow(`SELECT provider FROM usage_records WHERE model = 'qwen3:4b'`).Scan(&provider); err != nil {
		t.Fatalf("query provider: %v", err)
	}
	if provider != "unknown" {
		t.Errorf("provider = %q, want unknown", provider)
	}
}

func TestComputeCost(t *testing.T) {
	tests := []struct {
		name   string
		model  string
		in     int
		out    int
		expect float64
	}{
		{"sonnet", "claude-sonnet-4-5", 1000, 500, 0.0105},
		{"flash", "gemini-2.5-flash", 1_000_000, 1_000_000, 2.80},
		{"unknown model is free", "qwen3:4b", 1_000_000, 1_000_000, 0},
		{"zero tokens", "claude-sonnet-4-5", 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeCost(tt.model, tt.in, tt.out, testPricing())
			if !approx(got, tt.expect) {
				t.Errorf("ComputeCost = %f, want %f", got, tt.expect)
			}
		})
	}
}
