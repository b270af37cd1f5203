package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/maciekb2/enrichment-pipeline/pkg/config"
	"github.com/maciekb2/enrichment-pipeline/pkg/logger"
	"github.com/maciekb2/enrichment-pipeline/pkg/pipeline"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
)

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// cronLogger routes robfig/cron logging into slog.
type cronLogger struct{ log *slog.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}

func (r *commandRunner) daemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run prioritize and cleanup on their cron schedules",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, st, done, err := r.session(ctx, "scheduler", true)
			if err != nil {
				return err
			}
			defer done()

			c, err := newCron(ctx, cfg, st)
			if err != nil {
				return withCode(exitBadArgs, err)
			}
			c.Start()
			slog.Info("scheduler daemon started",
				"prioritize", cfg.Schedule.Prioritize, "cleanup", cfg.Schedule.Cleanup)
			<-ctx.Done()
			<-c.Stop().Done()
			slog.Info("scheduler daemon stopped")
			return nil
		},
	}
}

// newCron registers the scheduled stages. A job that is still running when
// its next tick fires is skipped; the stage lease covers other processes.
func newCron(ctx context.Context, cfg *config.Config, st stages) (*cron.Cron, error) {
	l := cronLogger{log: slog.Default()}
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithLogger(l),
		cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l)),
	)

	cleanupOpts := pipeline.CleanupOptions{
		RetentionDays: cfg.Cleanup.RetentionDays,
		ByPublishDate: cfg.Cleanup.ByPublishDate,
		ResetAfter:    cfg.Cleanup.ResetAfter,
	}
	jobs := []struct {
		stage string
		spec  string
		run   func(context.Context) error
	}{
		{pipeline.StagePrioritize, cfg.Schedule.Prioritize, func(ctx context.Context) error {
			_, err := st.Prioritize(ctx)
			return err
		}},
		{pipeline.StageCleanup, cfg.Schedule.Cleanup, func(ctx context.Context) error {
			_, err := st.Cleanup(ctx, cleanupOpts)
			return err
		}},
	}
	for _, job := range jobs {
		if job.spec == "" {
			continue
		}
		job := job
		if _, err := c.AddFunc(job.spec, func() { runScheduled(ctx, job.stage, job.run) }); err != nil {
			return nil, fmt.Errorf("schedule %s %q: %w", job.stage, job.spec, err)
		}
	}
	return c, nil
}

func runScheduled(ctx context.Context, stage string, run func(context.Context) error) {
	if ctx.Err() != nil {
		return
	}
	err := run(ctx)
	switch {
	case errors.Is(err, pipeline.ErrBusy):
		slog.Info("scheduled stage skipped, already running", "stage", stage)
	case err != nil:
		logger.Error("scheduled stage failed", err, "stage", stage)
	}
}
