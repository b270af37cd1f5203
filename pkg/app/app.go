// Package app assembles the pipeline components from a loaded configuration.
// Every service main builds one App and closes it on shutdown.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/maciekb2/enrichment-pipeline/pkg/bus"
	"github.com/maciekb2/enrichment-pipeline/pkg/config"
	"github.com/maciekb2/enrichment-pipeline/pkg/deadletter"
	"github.com/maciekb2/enrichment-pipeline/pkg/extract"
	"github.com/maciekb2/enrichment-pipeline/pkg/flow"
	"github.com/maciekb2/enrichment-pipeline/pkg/lease"
	"github.com/maciekb2/enrichment-pipeline/pkg/logger"
	"github.com/maciekb2/enrichment-pipeline/pkg/pipeline"
	"github.com/maciekb2/enrichment-pipeline/pkg/queue"
	"github.com/maciekb2/enrichment-pipeline/pkg/ratelimit"
	"github.com/maciekb2/enrichment-pipeline/pkg/score"
	"github.com/maciekb2/enrichment-pipeline/pkg/store"
	"github.com/maciekb2/enrichment-pipeline/pkg/summarize"
	"go.opentelemetry.io/otel"
)

type App struct {
	Config     *config.Config
	Redis      *redis.Client
	Store      *store.SQLStore
	Queue      *queue.RedisQueue
	DeadLetter *deadletter.RedisStore
	// Bus is nil when no NATS URL is configured.
	Bus    *bus.Client
	Events *pipeline.Events
	Runner *pipeline.Runner

	closers []func() error
}

// Open connects to redis, the document store and (optionally) NATS, then
// builds the stage runner. A missing enrichment API key is not fatal here:
// only the summarize stage needs it and it fails on its own.
func Open(ctx context.Context, cfg *config.Config, service string) (*App, error) {
	a := &App{Config: cfg}

	a.Redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	a.closers = append(a.closers, a.Redis.Close)
	if err := a.Redis.Ping(ctx).Err(); err != nil {
		a.Close()
		return nil, fmt.Errorf("app: redis %s: %w", cfg.Redis.Addr, err)
	}

	st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("app: %w", err)
	}
	a.Store = st
	a.closers = append(a.closers, st.Close)
	if err := st.EnsureSchema(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("app: %w", err)
	}

	if cfg.NATS.URL != "" {
		client, err := bus.Connect(bus.Config{URL: cfg.NATS.URL, Name: service})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("app: %w", err)
		}
		a.Bus = client
		a.closers = append(a.closers, func() error { client.Close(); return nil })
		if err := client.EnsureStream(bus.PipelineStreamConfig()); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: %w", err)
		}
		a.Events = pipeline.NewEvents(client, service)
	}

	if err := a.build(service); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(service string) error {
	cfg := a.Config
	tracer := otel.Tracer(service)

	a.Queue = queue.NewRedisQueue(a.Redis, queue.WithClaimTTL(cfg.Worker.ClaimTTL))
	a.DeadLetter = deadletter.NewRedisStore(a.Redis, tracer)

	limiter, err := newLimiter(cfg.RateLimit, a.Redis)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}

	summarizer, err := summarize.New(cfg.Enrichment)
	switch {
	case errors.Is(err, summarize.ErrNoAPIKey):
		logger.WithContext(context.Background()).Warn("enrichment API key not set; summarize stage disabled",
			"provider", cfg.Enrichment.Provider)
		summarizer = nil
	case err != nil:
		return fmt.Errorf("app: %w", err)
	}

	opts := []pipeline.Option{pipeline.WithEvents(a.Events), pipeline.WithTracer(tracer)}
	deps := pipeline.Deps{
		Store:      a.Store,
		Queue:      a.Queue,
		DeadLetter: a.DeadLetter,
		Limiter:    limiter,
		Summarizer: summarizer,
		Extractor:  extract.New(nil),
	}
	prioritizer := pipeline.NewPrioritizer(a.Store, a.Queue, a.DeadLetter, score.New(cfg.Scoring.Weights()), opts...)
	cleanup := pipeline.NewCleanup(a.Store, a.Queue, a.DeadLetter, opts...)
	locker := lease.NewRedis(a.Redis, flow.StageLeasePrefix, cfg.Schedule.StageLease)

	a.Runner = pipeline.NewRunner(locker, prioritizer, cleanup, deps, pipeline.PoolConfigFrom(cfg), opts...)
	return nil
}

func newLimiter(cfg config.RateLimitConfig, rdb redis.Cmdable) (ratelimit.Limiter, error) {
	if cfg.Shared {
		return ratelimit.NewRedisGate(rdb, cfg.RequestsPerMinute)
	}
	return ratelimit.NewGate(cfg.RequestsPerMinute)
}

// CleanupOptions returns the configured retention settings.
func (a *App) CleanupOptions() pipeline.CleanupOptions {
	return pipeline.CleanupOptions{
		RetentionDays: a.Config.Cleanup.RetentionDays,
		ByPublishDate: a.Config.Cleanup.ByPublishDate,
		ResetAfter:    a.Config.Cleanup.ResetAfter,
	}
}

// Close releases connections in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
