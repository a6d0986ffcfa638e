// Package query answers one user question per request with the query
// policy. Failures of any kind reach the user only as a fixed apology.
package query

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nugget/pennywise/internal/agent"
	"github.com/nugget/pennywise/internal/policy"
	"github.com/nugget/pennywise/internal/prompts"
	"github.com/nugget/pennywise/internal/tools"
)

// MaxQuestionLength is the longest accepted question, in characters.
const MaxQuestionLength = 500

// Errors returned before any run is attempted.
var (
	ErrEmptyQuestion   = errors.New("question is empty")
	ErrQuestionTooLong = errors.New("question is too long")
)

// Runner runs one policy invocation. *agent.Runner satisfies it.
type Runner interface {
	Run(ctx context.Context, p agent.Policy, reg *tools.Registry, caller tools.Caller) agent.Outcome
}

// Answer is what the asker sees. Degraded answers carry only the apology.
type Answer struct {
	Text         string                  `json:"answer"`
	Amount       *float64                `json:"amount,omitempty"`
	Transactions []policy.TransactionRef `json:"transactions,omitempty"`
	Degraded     bool                    `json:"degraded,omitempty"`
}

// Config tunes the query service.
type Config struct {
	Policy            policy.QueryConfig
	MaxQuestionLength int
}

// Service answers questions.
type Service struct {
	runner   Runner
	registry *tools.Registry
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a query service.
func NewService(runner Runner, registry *tools.Registry, logger *slog.Logger, cfg Config) *Service {
	if cfg.MaxQuestionLength <= 0 || cfg.MaxQuestionLength > MaxQuestionLength {
		cfg.MaxQuestionLength = MaxQuestionLength
	}
	return &Service{
		runner:   runner,
		registry: registry,
		cfg:      cfg,
		logger:   logger.With("component", "query"),
		now:      time.Now,
	}
}

// Ask answers question for userID. The only errors are the two question
// validation errors; a run that ends without a result yields the
// apology with Degraded set.
func (s *Service) Ask(ctx context.Context, userID, question string) (Answer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return Answer{}, ErrEmptyQuestion
	}
	if utf8.RuneCountInString(question) > s.cfg.MaxQuestionLength {
		return Answer{}, ErrQuestionTooLong
	}

	p := policy.Query(s.cfg.Policy, s.now(), question)
	out := s.runner.Run(ctx, p, s.registry, tools.Caller{UserID: userID})
	if !out.OK() {
		s.logger.Warn("question not answered",
			"user", userID,
			"reason", out.Reason,
			"iterations", out.Iterations,
			"error", out.Err,
		)
		return apology(), nil
	}

	a, err := policy.DecodeAnswer(out.Result)
	if err != nil {
		s.logger.Warn("question not answered", "user", userID, "reason", agent.ParseFailure, "error", err)
		return apology(), nil
	}

	s.logger.Info("question answered",
		"user", userID,
		"iterations", out.Iterations,
		"tool_calls", out.ToolCalls,
		"elapsed", out.Elapsed.Round(time.Millisecond),
	)
	return Answer{Text: a.Text, Amount: a.Amount, Transactions: a.Transactions}, nil
}

func apology() Answer {
	return Answer{Text: prompts.QueryApology, Degraded: true}
}
