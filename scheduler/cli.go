package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/maciekb2/enrichment-pipeline/pkg/app"
	"github.com/maciekb2/enrichment-pipeline/pkg/config"
	"github.com/maciekb2/enrichment-pipeline/pkg/logger"
	"github.com/maciekb2/enrichment-pipeline/pkg/pipeline"
	"github.com/maciekb2/enrichment-pipeline/pkg/telemetry"
	"github.com/spf13/cobra"
)

const (
	exitOK      = 0
	exitUsage   = 1
	exitBadArgs = 2
	exitFailure = 3
)

const defaultRetentionDays = 30

// stages is the part of *pipeline.Runner the commands use.
type stages interface {
	Prioritize(ctx context.Context) (int, error)
	Summarize(ctx context.Context, concurrency int) (pipeline.Stats, error)
	Pool(concurrency int) (*pipeline.Pool, error)
	Cleanup(ctx context.Context, opts pipeline.CleanupOptions) (pipeline.CleanupReport, error)
}

type env struct {
	stdout io.Writer
	stderr io.Writer

	loadConfig    func(path string) (*config.Config, error)
	initTelemetry func(ctx context.Context, opts telemetry.Options) (func(context.Context) error, error)
	open          func(ctx context.Context, cfg *config.Config) (stages, func() error, error)
}

func newEnv(stdout, stderr io.Writer) *env {
	return &env{
		stdout:        stdout,
		stderr:        stderr,
		loadConfig:    config.Load,
		initTelemetry: telemetry.Init,
		open: func(ctx context.Context, cfg *config.Config) (stages, func() error, error) {
			a, err := app.Open(ctx, cfg, "scheduler")
			if err != nil {
				return nil, nil, err
			}
			return a.Runner, a.Close, nil
		},
	}
}

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func withCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: code, err: err}
}

func execute(ctx context.Context, args []string, e *env) int {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	root := newRootCmd(e)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	fmt.Fprintln(e.stderr, "Error:", err)
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitUsage
}

func newRootCmd(e *env) *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "scheduler",
		Short:         "Run enrichment pipeline stages",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_ = cmd.Usage()
			return withCode(exitUsage, errors.New("a command is required"))
		},
	}
	root.SetOut(e.stdout)
	root.SetErr(e.stderr)
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to the YAML configuration file")
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return withCode(exitBadArgs, err)
	})

	r := &commandRunner{env: e, configPath: &configPath}
	root.AddCommand(
		r.prioritizeCmd(),
		r.summarizeCmd(),
		r.cleanupCmd(),
		r.daemonCmd(),
	)
	return root
}

// commandRunner loads configuration and opens the pipeline on demand, so
// flag validation happens before any connection is made.
type commandRunner struct {
	env        *env
	configPath *string
}

func (r *commandRunner) session(ctx context.Context, service string, metrics bool) (*config.Config, stages, func(), error) {
	cfg, err := r.env.loadConfig(*r.configPath)
	if err != nil {
		return nil, nil, nil, withCode(exitBadArgs, err)
	}
	logger.Setup(service, cfg.Log.Level, cfg.Log.Format)

	opts := telemetry.Options{Service: service, OTLPEndpoint: cfg.Telemetry.OTLPEndpoint}
	if metrics {
		opts.MetricsPort = cfg.HTTP.MetricsPort
	}
	shutdown, err := r.env.initTelemetry(ctx, opts)
	if err != nil {
		return nil, nil, nil, withCode(exitFailure, fmt.Errorf("telemetry: %w", err))
	}

	st, closeFn, err := r.env.open(ctx, cfg)
	if err != nil {
		_ = shutdown(context.WithoutCancel(ctx))
		return nil, nil, nil, withCode(exitFailure, err)
	}
	return cfg, st, func() {
		if err := closeFn(); err != nil {
			logger.Error("close failed", err)
		}
		if err := shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("telemetry shutdown failed", err)
		}
	}, nil
}

func noArgs(cmd *cobra.Command, args []string) error {
	return withCode(exitBadArgs, cobra.NoArgs(cmd, args))
}

func (r *commandRunner) prioritizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prioritize",
		Short: "Score unenriched items and queue them",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, st, done, err := r.session(cmd.Context(), "scheduler", false)
			if err != nil {
				return err
			}
			defer done()

			n, err := st.Prioritize(cmd.Context())
			if err != nil {
				return withCode(exitFailure, fmt.Errorf("prioritization failed: %w", err))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Prioritization completed. queued=%d\n", n)
			return nil
		},
	}
}

func (r *commandRunner) summarizeCmd() *cobra.Command {
	var (
		concurrency int
		continuous  bool
	)
	cmd := &cobra.Command{
		Use:   "summarize",
		Short: "Drain the queue through the enrichment service",
		Args:  noArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("batch") && continuous {
				return withCode(exitBadArgs, errors.New("--batch and --continuous are mutually exclusive"))
			}
			if cmd.Flags().Changed("concurrency") && (concurrency < 1 || concurrency > config.MaxConcurrency) {
				return withCode(exitBadArgs, fmt.Errorf("--concurrency must be between 1 and %d", config.MaxConcurrency))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			_, st, done, err := r.session(ctx, "scheduler", continuous)
			if err != nil {
				return err
			}
			defer done()

			if continuous {
				pool, err := st.Pool(concurrency)
				if err != nil {
					return withCode(exitFailure, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Starting continuous summarization with %d workers...\n", pool.Concurrency())
				if err := pool.Run(ctx); err != nil {
					return withCode(exitFailure, fmt.Errorf("summarization failed: %w", err))
				}
				return nil
			}

			stats, err := st.Summarize(ctx, concurrency)
			if err != nil {
				return withCode(exitFailure, fmt.Errorf("summarization failed: %w", err))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Summarization batch completed. processed=%d enriched=%d retried=%d deadlettered=%d\n",
				stats.Claimed, stats.Enriched, stats.Retried, stats.DeadLettered)
			return nil
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "number of workers (default from configuration)")
	cmd.Flags().Bool("batch", true, "stop when the queue is empty")
	cmd.Flags().BoolVar(&continuous, "continuous", false, "keep polling the queue until interrupted")
	return cmd
}

func (r *commandRunner) cleanupCmd() *cobra.Command {
	var (
		days      int
		byPublish bool
	)
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Purge expired dead letters and claims, delete old items",
		Args:  noArgs,
		PreRunE: func(*cobra.Command, []string) error {
			if days < 0 {
				return withCode(exitBadArgs, errors.New("--days must not be negative"))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, st, done, err := r.session(cmd.Context(), "scheduler", false)
			if err != nil {
				return err
			}
			defer done()

			report, err := st.Cleanup(cmd.Context(), pipeline.CleanupOptions{
				RetentionDays: days,
				ByPublishDate: byPublish,
				ResetAfter:    cfg.Cleanup.ResetAfter,
			})
			if err != nil {
				return withCode(exitFailure, fmt.Errorf("cleanup failed: %w", err))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cleanup completed. deleted=%d deadletters=%d claims=%d reset=%d\n",
				report.Deleted, report.DeadLettersPurged, report.ClaimsReaped, report.Reset)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", defaultRetentionDays, "delete items older than this many days (0 keeps all)")
	cmd.Flags().BoolVar(&byPublish, "by-publish", false, "measure age by publish date instead of crawl date")
	return cmd
}
