package recommend

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nugget/pennywise/internal/policy"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s, err := NewStoreWithDB(db)
	if err != nil {
		t.Fatalf("NewStoreWithDB: %v", err)
	}
	return s
}

func suggestion(title, priority string) policy.Suggestion {
	return policy.Suggestion{Title: title, Message: title + " message", Type: policy.TypeOther, Priority: priority}
}

func TestReplaceAndActive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	first, err := s.Replace(ctx, "user-1", []policy.Suggestion{
		suggestion("low", policy.PriorityLow),
		suggestion("high", policy.PriorityHigh),
		suggestion("medium", policy.PriorityMedium),
	}, 24*time.Hour)
	if err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if len(first) != 3 {
		t.Fatalf("Replace returned %d, want 3", len(first))
	}

	active, err := s.Active(ctx, "user-1", 5)
	if err != nil {
		t.Fatalf("Active: %v", err)
	}
	got := make([]string, len(active))
	for i, r := range active {
		got[i] = r.Title
	}
	want := []string{"high", "medium", "low"}
	if len(got) != len(want) {
		t.Fatalf("Active = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Active[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	if top, _ := s.Active(ctx, "user-1", 1); len(top) != 1 || top[0].Title != "high" {
		t.Errorf("top-1 = %+v", top)
	}
	if other, _ := s.Active(ctx, "user-2", 5); len(other) != 0 {
		t.Errorf("user-2 sees %d recommendations", len(other))
	}

	// A second run replaces the set.
	s.now = func() time.Time { return base.Add(time.Hour) }
	if _, err := s.Replace(ctx, "user-1", []policy.Suggestion{suggestion("fresh", policy.PriorityMedium)}, 24*time.Hour); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	active, _ = s.Active(ctx, "user-1", 5)
	if len(active) != 1 || active[0].Title != "fresh" {
		t.Errorf("after replace: %+v", active)
	}
}

func TestActiveSkipsExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	if _, err := s.Replace(ctx, "user-1", []policy.Suggestion{suggestion("a", policy.PriorityHigh)}, time.Hour); err != nil {
		t.Fatalf("Replace: %v", err)
	}

	s.now = func() time.Time { return base.Add(2 * time.Hour) }
	active, err := s.Active(ctx, "user-1", 5)
	if err != nil {
		t.Fatalf("Active: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("expected expired recommendation to be hidden, got %d", len(active))
	}
}

func TestLastRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	last, err := s.LastRun(ctx, "user-1")
	if err != nil {
		t.Fatalf("LastRun: %v", err)
	}
	if !last.IsZero() {
		t.Errorf("expected zero time before any run, got %v", last)
	}

	at := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return at }
	if _, err := s.Replace(ctx, "user-1", nil, time.Hour); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	last, err = s.LastRun(ctx, "user-1")
	if err != nil {
		t.Fatalf("LastRun: %v", err)
	}
	if !last.Equal(at) {
		t.Errorf("LastRun = %v, want %v", last, at)
	}
}

func TestReplaceCancelledLeavesState(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Replace(context.Background(), "user-1", []policy.Suggestion{
		suggestion("a", policy.PriorityHigh),
		suggestion("b", policy.PriorityLow),
	}, time.Hour); err != nil {
		t.Fatalf("Replace: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Replace(ctx, "user-1", []policy.Suggestion{suggestion("c", policy.PriorityHigh)}, time.Hour); err == nil {
		t.Fatal("expected error with cancelled context")
	}

	active, err := s.Active(context.Background(), "user-1", 5)
	if err != nil {
		t.Fatalf("Active: %v", err)
	}
	if len(active) != 2 {
		t.Errorf("expected prior 2 recommendations to survive, got %d", len(active))
	}
}
