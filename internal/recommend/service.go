package recommend

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/pennywise/internal/agent"
	"github.com/nugget/pennywise/internal/policy"
	"github.com/nugget/pennywise/internal/tools"
)

// DefaultTTL is how long a generated recommendation stays active.
const DefaultTTL = 7 * 24 * time.Hour

// Runner runs one policy invocation. *agent.Runner satisfies it.
type Runner interface {
	Run(ctx context.Context, p agent.Policy, reg *tools.Registry, caller tools.Caller) agent.Outcome
}

// Counter reports how many transactions a user has.
type Counter interface {
	Count(ctx context.Context, userID string) (int, error)
}

// ServiceConfig tunes recommendation generation.
type ServiceConfig struct {
	Policy policy.RecommendationConfig
	TTL    time.Duration
}

// Result reports one user's run.
type Result struct {
	UserID     string
	Reason     agent.Reason // empty on success
	Saved      int
	Iterations int
	ToolCalls  int
	Elapsed    time.Duration
}

// OK reports whether the run produced and stored a new set.
func (r Result) OK() bool { return r.Reason == "" }

// Service runs the recommendation policy for one user at a time.
type Service struct {
	runner   Runner
	registry *tools.Registry
	ledger   Counter
	store    *Store
	cfg      ServiceConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a recommendation service.
func NewService(runner Runner, registry *tools.Registry, ledger Counter, store *Store, logger *slog.Logger, cfg ServiceConfig) *Service {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	return &Service{
		runner:   runner,
		registry: registry,
		ledger:   ledger,
		store:    store,
		cfg:      cfg,
		logger:   logger.With("component", "recommend"),
		now:      time.Now,
	}
}

// ProcessUser generates a fresh set of recommendations for userID. An
// incomplete run leaves the user's existing recommendations untouched
// and is reported in Result.Reason, not as an error. Errors are
// reserved for the ledger and the store.
func (s *Service) ProcessUser(ctx context.Context, userID string) (Result, error) {
	count, err := s.ledger.Count(ctx, userID)
	if err != nil {
		return Result{UserID: userID}, fmt.Errorf("count transactions: %w", err)
	}

	p := policy.Recommendation(s.cfg.Policy, s.now(), count)
	out := s.runner.Run(ctx, p, s.registry, tools.Caller{UserID: userID})

	res := Result{
		UserID:     userID,
		Reason:     out.Reason,
		Iterations: out.Iterations,
		ToolCalls:  out.ToolCalls,
		Elapsed:    out.Elapsed,
	}
	if !out.OK() {
		s.logger.Info("recommendations unchanged",
			"user", userID,
			"reason", out.Reason,
			"iterations", out.Iterations,
		)
		return res, nil
	}

	items, err := policy.DecodeRecommendations(out.Result)
	if err != nil {
		res.Reason = agent.ParseFailure
		s.logger.Warn("recommendations unchanged", "user", userID, "reason", res.Reason, "error", err)
		return res, nil
	}

	saved, err := s.store.Replace(ctx, userID, items, s.cfg.TTL)
	if err != nil {
		return res, fmt.Errorf("replace recommendations: %w", err)
	}
	res.Saved = len(saved)

	s.logger.Info("recommendations refreshed",
		"user", userID,
		"count", res.Saved,
		"iterations", res.Iterations,
		"tool_calls", res.ToolCalls,
		"elapsed", res.Elapsed.Round(time.Millisecond),
	)
	return res, nil
}

// Active returns the user's current recommendations.
func (s *Service) Active(ctx context.Context, userID string) ([]Recommendation, error) {
	return s.store.Active(ctx, userID, policy.MaxRecommendations)
}
