// Command pennywise runs the personal-finance agent: the HTTP API, the
// background recommendation worker, and one-shot CLI helpers.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nugget/pennywise/examples"
	"github.com/nugget/pennywise/internal/api"
	"github.com/nugget/pennywise/internal/buildinfo"
	"github.com/nugget/pennywise/internal/config"
)

// main constructs the OS-level environment and delegates to run, so the
// whole lifecycle can be driven from tests.
func main() {
	if err := run(context.Background(), os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run executes the command line in args. Logs go to stdout.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

type rootOptions struct {
	configPath string
	stdout     io.Writer
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &rootOptions{stdout: stdout}

	root := &cobra.Command{
		Use:           "pennywise",
		Short:         "Pennywise: agentic insights for your transactions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.HiddenDefaultCmd = true
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to config file (default: auto-discover)")

	root.AddCommand(
		newServeCmd(opts),
		newInitCmd(),
		newAskCmd(opts),
		newRecommendCmd(opts),
		newVersionCmd(),
	)
	return root
}

// setup loads config and builds the application with the configured
// logger.
func (o *rootOptions) setup(ctx context.Context) (*app, error) {
	cfg, path, err := loadConfig(o.configPath)
	if err != nil {
		return nil, err
	}
	logger, err := config.NewLogger(o.stdout, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	logger.Info("config loaded", "path", path)
	return newApp(ctx, cfg, logger)
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server and recommendation worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

// runServe starts the API server and, when enabled, the recommendation
// worker, then blocks until SIGINT or SIGTERM.
func runServe(ctx context.Context, opts *rootOptions) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := opts.setup(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	a.logger.Info("starting Pennywise",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
	)

	if a.embedder != nil {
		if _, err := a.index(ctx); err != nil {
			a.logger.Warn("startup indexing failed", "error", err)
		}
	}

	if a.cfg.Recommendations.Enabled {
		worker := a.newWorker()
		worker.Start(ctx)
		defer worker.Stop()
	} else {
		a.logger.Info("recommendation worker disabled")
	}

	deps := api.Deps{
		Query:           a.query,
		Recommendations: a.recommend,
		Ledger:          a.ledger,
		Usage:           a.usage,
	}
	if a.embedder != nil {
		deps.Index = a.index
	}
	server := api.NewServer(a.cfg.Listen.Address, a.cfg.Listen.Port, deps, a.logger)

	go func() {
		<-ctx.Done()
		a.logger.Info("shutdown signal received")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown failed", "error", err)
		}
	}()

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("server failed: %w", err)
	}
	a.logger.Info("Pennywise stopped")
	return nil
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init [dir]",
		Short: "Write an example config.yaml (default dir: .)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}
			return runInit(cmd.OutOrStdout(), dir)
		},
	}
}

// runInit writes the example configuration into dir. An existing
// config.yaml is left alone.
func runInit(w io.Writer, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	path := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(w, "%s already exists, not overwriting\n", path)
		return nil
	}
	if err := os.WriteFile(path, examples.ConfigYAML, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Fprintf(w, "wrote %s\n", path)
	return nil
}

func newAskCmd(opts *rootOptions) *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "ask --user <id> <question>",
		Short: "Answer one question about a user's transactions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			answer, err := a.query.Ask(cmd.Context(), user, strings.Join(args, " "))
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), answer)
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id to answer for")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newRecommendCmd(opts *rootOptions) *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "recommend --user <id>",
		Short: "Regenerate one user's recommendations and print the active set",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.recommend.ProcessUser(cmd.Context(), user)
			if err != nil {
				return fmt.Errorf("recommend: %w", err)
			}
			if !res.OK() {
				fmt.Fprintf(cmd.ErrOrStderr(), "recommendations unchanged: %s\n", res.Reason)
			}
			active, err := a.recommend.Active(cmd.Context(), user)
			if err != nil {
				return fmt.Errorf("list recommendations: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), active)
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id to generate for")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newVersionCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := cmd.OutOrStdout()
			info := buildinfo.Info()
			if asJSON {
				return printJSON(w, info)
			}
			fmt.Fprintln(w, buildinfo.String())
			for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
				fmt.Fprintf(w, "  %-12s %s\n", k+":", info[k])
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
