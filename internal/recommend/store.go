// Package recommend generates and keeps each user's active spending
// recommendations. A background Worker decides who is due, and Service
// runs the recommendation policy and persists a successful result.
package recommend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/pennywise/internal/policy"
)

// Recommendation statuses.
const (
	StatusActive  = "active"
	StatusExpired = "expired"
)

// Recommendation is one stored suggestion.
type Recommendation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"-"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Type      string    `json:"type"`
	Priority  string    `json:"priority"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store persists recommendations and the time of each user's last
// successful run.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a recommendation store using the given database path.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// NewStoreWithDB creates a recommendation store using an existing database connection.
func NewStoreWithDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS recommendations (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			title TEXT NOT NULL,
			message TEXT NOT NULL,
			type TEXT NOT NULL,
			priority TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			created_at TEXT NOT NULL,
			expires_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_recommendations_user_status ON recommendations(user_id, status);

		CREATE TABLE IF NOT EXISTS recommendation_runs (
			user_id TEXT PRIMARY KEY,
			last_success_at TEXT NOT NULL
		);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Active returns up to n of a user's active, unexpired recommendations,
// highest priority first and newest first within a priority.
func (s *Store) Active(ctx context.Context, userID string, n int) ([]Recommendation, error) {
	if n <= 0 {
		n = policy.MaxRecommendations
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, title, message, type, priority, status, created_at, expires_at
		FROM recommendations
		WHERE user_id = ? AND status = ? AND expires_at > ?
		ORDER BY CASE priority WHEN ? THEN 3 WHEN ? THEN 2 WHEN ? THEN 1 ELSE 0 END DESC,
			created_at DESC
		LIMIT ?
	`, userID, StatusActive, s.now().UTC().Format(time.RFC3339),
		policy.PriorityHigh, policy.PriorityMedium, policy.PriorityLow, n)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []Recommendation
	for rows.Next() {
		var r Recommendation
		var created, expires string
		if err := rows.Scan(&r.ID, &r.UserID, &r.Title, &r.Message, &r.Type, &r.Priority, &r.Status, &created, &expires); err != nil {
			return nil, err
		}
		r.CreatedAt, _ = time.Parse(time.RFC3339, created)
		r.ExpiresAt, _ = time.Parse(time.RFC3339, expires)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Replace expires the user's current active recommendations, inserts
// items with a ttl expiry, and records the run as the user's last
// success. All of it commits or none of it does.
func (s *Store) Replace(ctx context.Context, userID string, items []policy.Suggestion, ttl time.Duration) ([]Recommendation, error) {
	now := s.now().UTC()
	created := now.Format(time.RFC3339)
	expires := now.Add(ttl).Format(time.RFC3339)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE recommendations SET status = ? WHERE user_id = ? AND status = ?
	`, StatusExpired, userID, StatusActive); err != nil {
		return nil, fmt.Errorf("expire current: %w", err)
	}

	out := make([]Recommendation, 0, len(items))
	for _, it := range items {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generate id: %w", err)
		}
		r := Recommendation{
			ID:        id.String(),
			UserID:    userID,
			Title:     it.Title,
			Message:   it.Message,
			Type:      it.Type,
			Priority:  it.Priority,
			Status:    StatusActive,
			CreatedAt: now,
			ExpiresAt: now.Add(ttl),
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO recommendations (id, user_id, title, message, type, priority, status, created_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, r.ID, userID, r.Title, r.Message, r.Type, r.Priority, StatusActive, created, expires); err != nil {
			return nil, fmt.Errorf("insert: %w", err)
		}
		out = append(out, r)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO recommendation_runs (user_id, last_success_at) VALUES (?, ?)
		ON CONFLICT(user_id) DO UPDATE SET last_success_at = excluded.last_success_at
	`, userID, created); err != nil {
		return nil, fmt.Errorf("record run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return out, nil
}

// LastRun returns when the user last had a successful run, or the zero
// time if never.
func (s *Store) LastRun(ctx context.Context, userID string) (time.Time, error) {
	var last string
	err := s.db.QueryRowContext(ctx, `SELECT last_success_at FROM recommendation_runs WHERE user_id = ?`, userID).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("query: %w", err)
	}
	t, err := time.Parse(time.RFC3339, last)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse last run: %w", err)
	}
	return t, nil
}
