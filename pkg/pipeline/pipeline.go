// Package pipeline runs the three stages that move documents through
// enrichment: the Prioritizer fills the queue, the Pool drains it under the
// rate limit, and Cleanup expires what is left behind.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/maciekb2/enrichment-pipeline/pkg/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrBusy is returned when the stage is already running elsewhere.
	ErrBusy = errors.New("pipeline: stage already running")
	// ErrAuth aborts a summarize run: the enrichment service rejected the
	// credentials, so no item can succeed.
	ErrAuth = errors.New("pipeline: enrichment service rejected credentials")
)

// bookkeepingTimeout bounds queue and dead-letter writes that must finish
// even after the run context is cancelled.
const bookkeepingTimeout = 5 * time.Second

type settings struct {
	events *Events
	now    func() time.Time
	tracer trace.Tracer
}

type Option func(*settings)

func WithEvents(e *Events) Option {
	return func(s *settings) { s.events = e }
}

func WithClock(now func() time.Time) Option {
	return func(s *settings) { s.now = now }
}

func WithTracer(t trace.Tracer) Option {
	return func(s *settings) { s.tracer = t }
}

func buildSettings(opts []Option) settings {
	s := settings{now: time.Now, tracer: otel.Tracer("pipeline")}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// PoolConfig holds the worker pool knobs.
type PoolConfig struct {
	Concurrency         int
	MaxAttempts         int
	RetryPenalty        float64
	ScoreFloor          float64
	IdleBackoff         time.Duration
	MaxIdleBackoff      time.Duration
	EnrichTimeout       time.Duration
	DeadLetterTTL       time.Duration
	DeadLetterPermanent bool
}

func PoolConfigFrom(cfg *config.Config) PoolConfig {
	return PoolConfig{
		Concurrency:         cfg.Worker.Concurrency,
		MaxAttempts:         cfg.Worker.MaxAttempts,
		RetryPenalty:        cfg.Worker.RetryPenalty,
		ScoreFloor:          cfg.Worker.ScoreFloor,
		IdleBackoff:         cfg.Worker.IdleBackoff,
		MaxIdleBackoff:      cfg.Worker.MaxIdleBackoff,
		EnrichTimeout:       cfg.Enrichment.Timeout,
		DeadLetterTTL:       cfg.DeadLetter.TTL,
		DeadLetterPermanent: cfg.Worker.DeadLetterPermanent,
	}
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	if c.Concurrency > config.MaxConcurrency {
		c.Concurrency = config.MaxConcurrency
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 3
	}
	if c.IdleBackoff <= 0 {
		c.IdleBackoff = time.Second
	}
	if c.MaxIdleBackoff < c.IdleBackoff {
		c.MaxIdleBackoff = c.IdleBackoff
	}
	if c.EnrichTimeout <= 0 {
		c.EnrichTimeout = 30 * time.Second
	}
	if c.DeadLetterTTL <= 0 {
		c.DeadLetterTTL = time.Hour
	}
	return c
}

func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func failSpan(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
