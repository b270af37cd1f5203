package pipeline

import (
	"context"
	"errors"

	"github.com/maciekb2/enrichment-pipeline/pkg/lease"
)

const (
	StagePrioritize = "prioritize"
	StageSummarize  = "summarize"
	StageCleanup    = "cleanup"
)

// Runner is what every trigger (cron, CLI, HTTP) calls. Each stage takes its
// lease first, so a stage never runs twice at the same time.
type Runner struct {
	locker      lease.Locker
	prioritizer *Prioritizer
	cleanup     *Cleanup
	deps        Deps
	poolCfg     PoolConfig
	poolOpts    []Option
}

func NewRunner(locker lease.Locker, prioritizer *Prioritizer, cleanup *Cleanup, deps Deps, poolCfg PoolConfig, poolOpts ...Option) *Runner {
	return &Runner{
		locker:      locker,
		prioritizer: prioritizer,
		cleanup:     cleanup,
		deps:        deps,
		poolCfg:     poolCfg,
		poolOpts:    poolOpts,
	}
}

func (r *Runner) acquire(ctx context.Context, stage string) (func(), error) {
	release, err := r.locker.TryAcquire(ctx, stage)
	if errors.Is(err, lease.ErrHeld) {
		return nil, ErrBusy
	}
	return release, err
}

func (r *Runner) Prioritize(ctx context.Context) (int, error) {
	release, err := r.acquire(ctx, StagePrioritize)
	if err != nil {
		return 0, err
	}
	defer release()
	return r.prioritizer.Run(ctx)
}

// Summarize drains the queue once. concurrency overrides the configured
// worker count when positive.
func (r *Runner) Summarize(ctx context.Context, concurrency int) (Stats, error) {
	release, err := r.acquire(ctx, StageSummarize)
	if err != nil {
		return Stats{}, err
	}
	defer release()
	pool, err := r.Pool(concurrency)
	if err != nil {
		return Stats{}, err
	}
	return pool.RunBatch(ctx)
}

// Pool builds a worker pool. Continuous pools take no stage lease: any
// number of them may share the queue.
func (r *Runner) Pool(concurrency int) (*Pool, error) {
	cfg := r.poolCfg
	if concurrency > 0 {
		cfg.Concurrency = concurrency
	}
	return NewPool(r.deps, cfg, r.poolOpts...)
}

func (r *Runner) Cleanup(ctx context.Context, opts CleanupOptions) (CleanupReport, error) {
	release, err := r.acquire(ctx, StageCleanup)
	if err != nil {
		return CleanupReport{}, err
	}
	defer release()
	return r.cleanup.Run(ctx, opts)
}
