package recommend

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/pennywise/internal/ledger"
)

// WorkerConfig controls the background scheduler.
type WorkerConfig struct {
	// Interval between scans. Default: 6 hours.
	Interval time.Duration

	// Timeout bounds one user's run. Default: 3 minutes.
	Timeout time.Duration

	// PauseBetween is the delay between consecutive users so one scan
	// does not saturate the completion service. Default: 2 seconds.
	PauseBetween time.Duration

	// MinTransactions a user needs before recommendations are
	// attempted. Default: 10.
	MinTransactions int

	// ImportGap is how long after the last successful run an import
	// must land to count as new data. Default: 1 minute.
	ImportGap time.Duration
}

// DefaultWorkerConfig returns the scheduler defaults.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Interval:        6 * time.Hour,
		Timeout:         3 * time.Minute,
		PauseBetween:    2 * time.Second,
		MinTransactions: 10,
		ImportGap:       time.Minute,
	}
}

func (c *WorkerConfig) applyDefaults() {
	d := DefaultWorkerConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.PauseBetween <= 0 {
		c.PauseBetween = d.PauseBetween
	}
	if c.MinTransactions <= 0 {
		c.MinTransactions = d.MinTransactions
	}
	if c.ImportGap <= 0 {
		c.ImportGap = d.ImportGap
	}
}

// ActivitySource lists users with transactions.
type ActivitySource interface {
	Activity(ctx context.Context) ([]ledger.UserActivity, error)
}

// RunLog reports a user's last successful run.
type RunLog interface {
	LastRun(ctx context.Context, userID string) (time.Time, error)
}

// Processor generates recommendations for one user.
type Processor interface {
	ProcessUser(ctx context.Context, userID string) (Result, error)
}

// ScanStats counts what one scan did.
type ScanStats struct {
	Users      int
	Eligible   int
	Succeeded  int
	Incomplete int
	Failed     int
}

// Worker periodically refreshes recommendations for every eligible user.
type Worker struct {
	activity  ActivitySource
	runs      RunLog
	processor Processor
	logger    *slog.Logger
	config    WorkerConfig

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWorker creates a scheduler. Call Start to begin processing.
func NewWorker(activity ActivitySource, runs RunLog, processor Processor, logger *slog.Logger, cfg WorkerConfig) *Worker {
	cfg.applyDefaults()
	return &Worker{
		activity:  activity,
		runs:      runs,
		processor: processor,
		logger:    logger.With("component", "recommend_worker"),
		config:    cfg,
		done:      make(chan struct{}),
	}
}

// Start runs an immediate scan, then one every Interval.
func (w *Worker) Start(ctx context.Context) {
	workerCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	go w.run(workerCtx)
}

// Stop cancels the worker and waits for its goroutine to exit.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	<-w.done
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)

	w.logger.Info("recommendation worker starting",
		"interval", w.config.Interval,
		"min_transactions", w.config.MinTransactions,
	)
	w.Scan(ctx)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("recommendation worker stopped")
			return
		case <-ticker.C:
			w.Scan(ctx)
		}
	}
}

// Scan processes every eligible user once, sequentially. One user's
// failure is logged and counted and never stops the scan.
func (w *Worker) Scan(ctx context.Context) ScanStats {
	var stats ScanStats

	users, err := w.activity.Activity(ctx)
	if err != nil {
		w.logger.Error("failed to list user activity", "error", err)
		return stats
	}
	stats.Users = len(users)

	first := true
	for _, u := range users {
		if ctx.Err() != nil {
			break
		}
		ok, err := w.eligible(ctx, u)
		if err != nil {
			w.logger.Warn("eligibility check failed", "user", u.UserID, "error", err)
			stats.Failed++
			continue
		}
		if !ok {
			continue
		}
		stats.Eligible++

		if !first && !sleepCtx(ctx, w.config.PauseBetween) {
			break
		}
		first = false

		res, err := w.processOne(ctx, u.UserID)
		switch {
		case err != nil:
			w.logger.Error("recommendation run failed", "user", u.UserID, "error", err)
			stats.Failed++
		case res.OK():
			stats.Succeeded++
		default:
			stats.Incomplete++
		}
	}

	if stats.Eligible > 0 || stats.Failed > 0 {
		w.logger.Info("recommendation scan complete",
			"users", stats.Users,
			"eligible", stats.Eligible,
			"succeeded", stats.Succeeded,
			"incomplete", stats.Incomplete,
			"failed", stats.Failed,
		)
	}
	return stats
}

// eligible reports whether u has enough transactions and has imported
// since the last successful run.
func (w *Worker) eligible(ctx context.Context, u ledger.UserActivity) (bool, error) {
	if u.Transactions < w.config.MinTransactions {
		return false, nil
	}
	last, err := w.runs.LastRun(ctx, u.UserID)
	if err != nil {
		return false, err
	}
	if last.IsZero() {
		return true, nil
	}
	return u.LastImport.After(last.Add(w.config.ImportGap)), nil
}

func (w *Worker) processOne(ctx context.Context, userID string) (res Result, err error) {
	ctx, cancel := context.WithTimeout(ctx, w.config.Timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return w.processor.ProcessUser(ctx, userID)
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if
// the context was cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
