// Package ledger stores a user's bank transactions and exposes the
// read-only finance tools the agent uses to look at them.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/pennywise/internal/embeddings"
)

// Transaction is one posted bank transaction. Negative amounts are money
// leaving the account.
type Transaction struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	PostedAt    time.Time `json:"posted_at"`
	Description string    `json:"description"`
	Merchant    string    `json:"merchant,omitempty"`
	Category    string    `json:"category,omitempty"`
	Amount      float64   `json:"amount"`
	ImportedAt  time.Time `json:"imported_at"`
}

// CategoryTotal is spending within one category.
type CategoryTotal struct {
	Category string  `json:"category"`
	Spent    float64 `json:"spent"`
	Count    int     `json:"count"`
}

// RecurringCharge is a merchant charged in several distinct months.
type RecurringCharge struct {
	Merchant      string    `json:"merchant"`
	Months        int       `json:"months"`
	Occurrences   int       `json:"occurrences"`
	AverageAmount float64   `json:"average_amount"`
	LastSeen      time.Time `json:"last_seen"`
}

// MonthSummary totals one calendar month.
type MonthSummary struct {
	Month         string          `json:"month"`
	Income        float64         `json:"income"`
	Spending      float64         `json:"spending"`
	Net           float64         `json:"net"`
	Count         int             `json:"count"`
	TopCategories []CategoryTotal `json:"top_categories,omitempty"`
}

// UserActivity is how much a user has imported and when they last did.
type UserActivity struct {
	UserID       string
	Transactions int
	LastImport   time.Time
}

// Store manages transaction persistence.
type Store struct {
	db *sql.DB
}

// NewStore creates a ledger store using the given database path.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// NewStoreWithDB creates a ledger store using an existing database connection.
func NewStoreWithDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS transactions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			posted_at TEXT NOT NULL,
			description TEXT NOT NULL,
			merchant TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL DEFAULT '',
			amount REAL NOT NULL,
			imported_at TEXT NOT NULL,
			embedding BLOB
		);

		CREATE INDEX IF NOT EXISTS idx_transactions_user_posted ON transactions(user_id, posted_at DESC);
		CREATE INDEX IF NOT EXISTS idx_transactions_user_imported ON transactions(user_id, imported_at);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Add inserts transactions in one transaction. Missing IDs are assigned
// and a zero ImportedAt is set to now. The stored values are returned.
func (s *Store) Add(ctx context.Context, txns []Transaction) ([]Transaction, error) {
	if len(txns) == 0 {
		return nil, nil
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO transactions (id, user_id, posted_at, description, merchant, category, amount, imported_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return nil, fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	out := make([]Transaction, len(txns))
	for i, t := range txns {
		if strings.TrimSpace(t.UserID) == "" {
			return nil, fmt.Errorf("transaction %d: missing user id", i)
		}
		if t.ID == "" {
			id, err := uuid.NewV7()
			if err != nil {
				return nil, fmt.Errorf("generate id: %w", err)
			}
			t.ID = id.String()
		}
		if t.ImportedAt.IsZero() {
			t.ImportedAt = now
		}
		t.PostedAt = t.PostedAt.UTC()
		t.ImportedAt = t.ImportedAt.UTC()

		if _, err := stmt.ExecContext(ctx, t.ID, t.UserID, t.PostedAt.Format(time.RFC3339),
			t.Description, t.Merchant, t.Category, t.Amount, t.ImportedAt.Format(time.RFC3339)); err != nil {
			return nil, fmt.Errorf("insert %s: %w", t.ID, err)
		}
		out[i] = t
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return out, nil
}

// SetEmbedding stores the vector for a transaction.
func (s *Store) SetEmbedding(ctx context.Context, id string, vec []float32) error {
	res, err := s.db.ExecContext(ctx, `UPDATE transactions SET embedding = ? WHERE id = ?`, embeddings.Encode(vec), id)
	if err != nil {
		return fmt.Errorf("update embedding: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("transaction not found: %s", id)
	}
	return nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

const txnColumns = `id, user_id, posted_at, description, merchant, category, amount, imported_at`

// Search finds a user's transactions whose description, merchant or
// category contains query, newest first. Wildcards in query match
// literally.
func (s *Store) Search(ctx context.Context, userID, query string, limit int) ([]Transaction, error) {
	pattern := "%" + likeEscaper.Replace(strings.TrimSpace(query)) + "%"
	return s.queryTxns(ctx, `
		SELECT `+txnColumns+` FROM transactions
		WHERE user_id = ? AND (description LIKE ? ESCAPE '\' OR merchant LIKE ? ESCAPE '\' OR category LIKE ? ESCAPE '\')
		ORDER BY posted_at DESC
		LIMIT ?
	`, userID, pattern, pattern, pattern, limit)
}

// SemanticSearch ranks a user's embedded transactions by cosine
// similarity to vec. Transactions without an embedding are skipped.
func (s *Store) SemanticSearch(ctx context.Context, userID string, vec []float32, limit int) ([]Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+txnColumns+`, embedding FROM transactions
		WHERE user_id = ? AND embedding IS NOT NULL
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var (
		candidates []Transaction
		vectors    [][]float32
	)
	for rows.Next() {
		var blob []byte
		t, err := scanTxn(rows, &blob)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, t)
		vectors = append(vectors, embeddings.Decode(blob))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	top := embeddings.TopK(vec, vectors, limit)
	out := make([]Transaction, 0, len(top))
	for _, i := range top {
		out = append(out, candidates[i])
	}
	return out, nil
}

// Recent returns a user's latest transactions.
func (s *Store) Recent(ctx context.Context, userID string, limit int) ([]Transaction, error) {
	return s.queryTxns(ctx, `
		SELECT `+txnColumns+` FROM transactions
		WHERE user_id = ?
		ORDER BY posted_at DESC
		LIMIT ?
	`, userID, limit)
}

// SpendingByCategory totals outflows per category for transactions
// posted in [from, to). Spent is reported as a positive figure.
func (s *Store) SpendingByCategory(ctx context.Context, userID string, from, to time.Time) ([]CategoryTotal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT CASE WHEN category = '' THEN 'Uncategorized' ELSE category END AS cat,
			-SUM(amount), COUNT(*)
		FROM transactions
		WHERE user_id = ? AND amount < 0 AND posted_at >= ? AND posted_at < ?
		GROUP BY cat
		ORDER BY SUM(amount) ASC
	`, userID, from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []CategoryTotal
	for rows.Next() {
		var c CategoryTotal
		if err := rows.Scan(&c.Category, &c.Spent, &c.Count); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// RecurringCharges finds merchants charged in at least minMonths
// distinct calendar months.
func (s *Store) RecurringCharges(ctx context.Context, userID string, minMonths int) ([]RecurringCharge, error) {
	if minMonths < 2 {
		minMonths = 2
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT CASE WHEN merchant = '' THEN description ELSE merchant END AS m,
			COUNT(DISTINCT substr(posted_at, 1, 7)) AS months,
			COUNT(*), AVG(amount), MAX(posted_at)
		FROM transactions
		WHERE user_id = ? AND amount < 0
		GROUP BY lower(m)
		HAVING months >= ?
		ORDER BY months DESC, AVG(amount) ASC
	`, userID, minMonths)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []RecurringCharge
	for rows.Next() {
		var (
			r    RecurringCharge
			last string
		)
		if err := rows.Scan(&r.Merchant, &r.Months, &r.Occurrences, &r.AverageAmount, &last); err != nil {
			return nil, err
		}
		r.LastSeen, _ = time.Parse(time.RFC3339, last)
		out = append(out, r)
	}
	return out, rows.Err()
}

// MonthlySummary totals the calendar month containing month.
func (s *Store) MonthlySummary(ctx context.Context, userID string, month time.Time) (*MonthSummary, error) {
	start := time.Date(month.Year(), month.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)

	sum := &MonthSummary{Month: start.Format("2006-01")}
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE WHEN amount > 0 THEN amount END), 0),
			COALESCE(-SUM(CASE WHEN amount < 0 THEN amount END), 0),
			COUNT(*)
		FROM transactions
		WHERE user_id = ? AND posted_at >= ? AND posted_at < ?
	`, userID, start.Format(time.RFC3339), end.Format(time.RFC3339)).Scan(&sum.Income, &sum.Spending, &sum.Count)
	if err != nil {
		return nil, fmt.Errorf("query totals: %w", err)
	}
	sum.Net = sum.Income - sum.Spending

	cats, err := s.SpendingByCategory(ctx, userID, start, end)
	if err != nil {
		return nil, err
	}
	if len(cats) > 3 {
		cats = cats[:3]
	}
	sum.TopCategories = cats
	return sum, nil
}

// Count returns how many transactions a user has.
func (s *Store) Count(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions WHERE user_id = ?`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

// Activity lists every user with transactions, with their count and
// latest import time.
func (s *Store) Activity(ctx context.Context) ([]UserActivity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, COUNT(*), MAX(imported_at)
		FROM transactions
		GROUP BY user_id
		ORDER BY user_id
	`)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []UserActivity
	for rows.Next() {
		var (
			a    UserActivity
			last string
		)
		if err := rows.Scan(&a.UserID, &a.Transactions, &last); err != nil {
			return nil, err
		}
		a.LastImport, _ = time.Parse(time.RFC3339, last)
		out = append(out, a)
	}
	return out, rows.Err()
}

// Unembedded returns transactions that have no embedding yet, oldest
// import first.
func (s *Store) Unembedded(ctx context.Context, limit int) ([]Transaction, error) {
	return s.queryTxns(ctx, `
		SELECT `+txnColumns+` FROM transactions
		WHERE embedding IS NULL
		ORDER BY imported_at ASC
		LIMIT ?
	`, limit)
}

func (s *Store) queryTxns(ctx context.Context, query string, args ...any) ([]Transaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		t, err := scanTxn(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTxn(rows *sql.Rows, extra ...any) (Transaction, error) {
	var t Transaction
	var posted, imported string
	dest := append([]any{&t.ID, &t.UserID, &posted, &t.Description, &t.Merchant, &t.Category, &t.Amount, &imported}, extra...)
	if err := rows.Scan(dest...); err != nil {
		return Transaction{}, err
	}
	t.PostedAt, _ = time.Parse(time.RFC3339, posted)
	t.ImportedAt, _ = time.Parse(time.RFC3339, imported)
	return t, nil
}
