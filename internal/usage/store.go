// Package usage records token usage and cost for every completion call
// the agent makes. Records are append-only and indexed by timestamp,
// user, and policy for aggregation queries.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/pennywise/internal/agent"
	"github.com/nugget/pennywise/internal/config"
)

// Record is a single completion call's token usage and cost.
type Record struct {
	ID           string
	Timestamp    time.Time
	UserID       string
	Policy       string // "recommendation", "query"
	Model        string
	Provider     string // "anthropic", "gemini", "ollama"
	InputTokens  int
	OutputTokens int
	CostUSD      float64
}

// Summary holds aggregated token usage and cost totals.
type Summary struct {
	TotalRecords      int     `json:"total_records"`
	TotalInputTokens  int64   `json:"total_input_tokens"`
	TotalOutputTokens int64   `json:"total_output_tokens"`
	TotalCostUSD      float64 `json:"total_cost_usd"`
}

// Store is an append-only SQLite store for usage records. All public
// methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db        *sql.DB
	pricing   map[string]config.PricingEntry
	providers map[string]string // model → provider
}

// NewStore creates a usage store at the given database path.
func NewStore(dbPath string, pricing map[string]config.PricingEntry) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
	}

	s, err := NewStoreWithDB(db, pricing)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStoreWithDB creates a usage store using an existing database connection.
func NewStoreWithDB(db *sql.DB, pricing map[string]config.PricingEntry) (*Store, error) {
	s := &Store{db: db, pricing: pricing, providers: make(map[string]string)}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}
	return s, nil
}

// SetProvider records which provider serves model, for attribution.
// Call during setup only.
func (s *Store) SetProvider(model, provider string) {
	s.providers[model] = provider
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS usage_records (
		id            TEXT PRIMARY KEY,
		timestamp     TEXT NOT NULL,
		user_id       TEXT NOT NULL,
		policy        TEXT NOT NULL,
		model         TEXT NOT NULL,
		provider      TEXT NOT NULL,
		input_tokens  INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		cost_usd      REAL NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_usage_timestamp ON usage_records(timestamp);
	CREATE INDEX IF NOT EXISTS idx_usage_user ON usage_records(user_id);
	CREATE INDEX IF NOT EXISTS idx_usage_policy ON usage_records(policy);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record persists a usage record. If rec.ID is empty, a UUIDv7 is
// generated.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate usage record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_records
			(id, timestamp, user_id, policy, model, provider, input_tokens, output_tokens, cost_usd)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(time.RFC3339),
		rec.UserID,
		rec.Policy,
		rec.Model,
		rec.Provider,
		rec.InputTokens,
		rec.OutputTokens,
		rec.CostUSD,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// RecordCompletion implements agent.UsageRecorder, pricing the call
// from the configured table.
func (s *Store) RecordCompletion(ctx context.Context, c agent.CompletionRecord) error {
	provider := s.providers[c.Model]
	if provider == "" {
		provider = "unknown"
	}
	return s.Record(ctx, Record{
		Timestamp:    c.Timestamp,
		UserID:       c.UserID,
		Policy:       c.Policy,
		Model:        c.Model,
		Provider:     provider,
		InputTokens:  c.InputTokens,
		OutputTokens: c.OutputTokens,
		CostUSD:      ComputeCost(c.Model, c.InputTokens, c.OutputTokens, s.pricing),
	})
}

// Summary returns aggregated totals for records within [start, end).
func (s *Store) Summary(ctx context.Context, start, end time.Time) (*Summary, error) {
	return s.summary(ctx, "", start, end)
}

// UserSummary is Summary restricted to one user's records.
func (s *Store) UserSummary(ctx context.Context, userID string, start, end time.Time) (*Summary, error) {
	return s.summary(ctx, userID, start, end)
}

// SummaryByPolicy returns per-policy totals for records within [start, end).
func (s *Store) SummaryByPolicy(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "policy", "", start, end)
}

// UserSummaryByPolicy is SummaryByPolicy restricted to one user's records.
func (s *Store) UserSummaryByPolicy(ctx context.Context, userID string, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "policy", userID, start, end)
}

// SummaryByUser returns per-user totals for records within [start, end).
func (s *Store) SummaryByUser(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "user_id", "", start, end)
}

// SummaryByModel returns per-model totals for records within [start, end).
func (s *Store) SummaryByModel(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "model", "", start, end)
}

// rangeFilter builds the WHERE clause for [start, end), narrowed to
// userID when it is non-empty.
func rangeFilter(userID string, start, end time.Time) (string, []any) {
	where := `timestamp >= ? AND timestamp < ?`
	args := []any{start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339)}
	if userID != "" {
		where += ` AND user_id = ?`
		args = append(args, userID)
	}
	return where, args
}

func (s *Store) summary(ctx context.Context, userID string, start, end time.Time) (*Summary, error) {
	where, args := rangeFilter(userID, start, end)
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)
		 FROM usage_records
		 WHERE `+where,
		args...,
	)

	var sum Summary
	if err := row.Scan(&sum.TotalRecords, &sum.TotalInputTokens, &sum.TotalOutputTokens, &sum.TotalCostUSD); err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	return &sum, nil
}

func (s *Store) summaryGroupedBy(ctx context.Context, column, userID string, start, end time.Time) (map[string]*Summary, error) {
	where, args := rangeFilter(userID, start, end)
	// column only ever comes from the methods above.
	query := fmt.Sprintf(
		`SELECT %s, COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)
		 FROM usage_records
		 WHERE %s
		 GROUP BY %s
		 ORDER BY SUM(cost_usd) DESC`,
		column, where, column,
	)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query usage by %s: %w", column, err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var key string
		var sum Summary
		if err := rows.Scan(&key, &sum.TotalRecords, &sum.TotalInputTokens, &sum.TotalOutputTokens, &sum.TotalCostUSD); err != nil {
			return nil, fmt.Errorf("scan usage by %s: %w", column, err)
		}
		result[key] = &sum
	}
	return result, rows.Err()
}

// ComputeCost calculates the USD cost of a call from the pricing table.
// Models not in the table are treated as free (local Ollama models).
func ComputeCost(model string, inputTokens, outputTokens int, pricing map[string]config.PricingEntry) float64 {
	entry, ok := pricing[model]
	if !ok {
		return 0
	}
	return float64(inputTokens)/1_000_000.0*entry.InputPerMillion +
		float64(outputTokens)/1_000_000.0*entry.OutputPerMillion
}
