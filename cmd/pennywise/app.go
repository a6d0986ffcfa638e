package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/nugget/pennywise/internal/agent"
	"github.com/nugget/pennywise/internal/config"
	"github.com/nugget/pennywise/internal/embeddings"
	"github.com/nugget/pennywise/internal/ledger"
	"github.com/nugget/pennywise/internal/llm"
	"github.com/nugget/pennywise/internal/policy"
	"github.com/nugget/pennywise/internal/query"
	"github.com/nugget/pennywise/internal/recommend"
	"github.com/nugget/pennywise/internal/tools"
	"github.com/nugget/pennywise/internal/usage"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// indexBatch is how many transactions one indexing pass embeds.
const indexBatch = 200

// app is every long-lived component, wired from one config.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	ledger    *ledger.Store
	recStore  *recommend.Store
	usage     *usage.Store
	embedder  embeddings.Embedder
	registry  *tools.Registry
	runner    *agent.Runner
	query     *query.Service
	recommend *recommend.Service

	closers []io.Closer
}

// loadConfig locates and parses the configuration file.
func loadConfig(explicit string) (*config.Config, string, error) {
	path, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("load config: %w", err)
	}
	return cfg, path, nil
}

// newApp opens the stores and builds the agent, tools, and consumers.
// The caller must call close.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	a.ledger, err = ledger.NewStore(filepath.Join(cfg.DataDir, "ledger.db"))
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	a.closers = append(a.closers, a.ledger)

	a.recStore, err = recommend.NewStore(filepath.Join(cfg.DataDir, "recommendations.db"))
	if err != nil {
		return nil, fmt.Errorf("open recommendation store: %w", err)
	}
	a.closers = append(a.closers, a.recStore)

	a.usage, err = usage.NewStore(filepath.Join(cfg.DataDir, "usage.db"), cfg.Pricing)
	if err != nil {
		return nil, fmt.Errorf("open usage store: %w", err)
	}
	a.closers = append(a.closers, a.usage)

	client, err := newLLMClient(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	for model, provider := range cfg.Providers() {
		a.usage.SetProvider(model, provider)
	}

	if cfg.Embeddings.Enabled {
		a.embedder = embeddings.New(embeddings.Config{
			BaseURL: cfg.Embeddings.BaseURL,
			Model:   cfg.Embeddings.Model,
		}, logger)
		logger.Info("embeddings enabled", "model", cfg.Embeddings.Model)
	}

	a.registry, err = ledger.NewTools(a.ledger, a.embedder, logger).Registry()
	if err != nil {
		return nil, fmt.Errorf("build tool registry: %w", err)
	}

	a.runner = agent.NewRunner(client, logger,
		agent.WithDefaultModel(cfg.Models.Default),
		agent.WithToolParallelism(cfg.Agent.ToolParallelism),
		agent.WithToolTimeout(cfg.Agent.ToolTimeout),
		agent.WithUsageRecorder(a.usage),
	)

	a.query = query.NewService(a.runner, a.registry, logger, query.Config{
		Policy: policy.QueryConfig{
			MaxIterations: cfg.Query.MaxIterations,
			Model:         cfg.Query.Model,
			MaxTokens:     cfg.Query.MaxTokens,
		},
		MaxQuestionLength: cfg.Query.MaxQuestionLength,
	})

	a.recommend = recommend.NewService(a.runner, a.registry, a.ledger, a.recStore, logger, recommend.ServiceConfig{
		Policy: policy.RecommendationConfig{
			MaxIterations: cfg.Recommendations.MaxIterations,
			Model:         cfg.Recommendations.Model,
			MaxTokens:     cfg.Recommendations.MaxTokens,
		},
		TTL: cfg.Recommendations.TTL,
	})

	logger.Info("agent ready",
		"default_model", cfg.Models.Default,
		"tools", a.registry.Names(),
		"data_dir", cfg.DataDir,
	)
	return a, nil
}

// newWorker builds the background recommendation scheduler.
func (a *app) newWorker() *recommend.Worker {
	r := a.cfg.Recommendations
	return recommend.NewWorker(a.ledger, a.recStore, a.recommend, a.logger, recommend.WorkerConfig{
		Interval:        r.Interval,
		Timeout:         r.Timeout,
		PauseBetween:    r.PauseBetween,
		MinTransactions: r.MinTransactions,
		ImportGap:       r.ImportGap,
	})
}

// index embeds transactions that have no vector yet.
func (a *app) index(ctx context.Context) (int, error) {
	return ledger.IndexPending(ctx, a.ledger, a.embedder, a.logger, indexBatch)
}

func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// newLLMClient routes each configured model to its provider. Ollama is
// the fallback for models not listed.
func newLLMClient(ctx context.Context, cfg *config.Config, logger *slog.Logger) (llm.Client, error) {
	ollama := llm.NewOllamaClient(cfg.Models.OllamaURL, logger)
	multi := llm.NewMultiClient(ollama)
	multi.AddProvider("ollama", ollama)

	providers := cfg.Providers()
	needs := func(name string) bool {
		for _, p := range providers {
			if p == name {
				return true
			}
		}
		return false
	}

	if needs("anthropic") {
		multi.AddProvider("anthropic", llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger))
	}
	if needs("gemini") {
		gemini, err := llm.NewGeminiClient(ctx, cfg.Gemini.APIKey, logger)
		if err != nil {
			return nil, fmt.Errorf("create gemini client: %w", err)
		}
		multi.AddProvider("gemini", gemini)
	}

	for model, provider := range providers {
		multi.AddModel(model, provider)
		logger.Debug("model registered", "model", model, "provider", provider)
	}
	return multi, nil
}
