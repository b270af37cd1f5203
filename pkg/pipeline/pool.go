package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/maciekb2/enrichment-pipeline/pkg/deadletter"
	"github.com/maciekb2/enrichment-pipeline/pkg/extract"
	"github.com/maciekb2/enrichment-pipeline/pkg/flow"
	"github.com/maciekb2/enrichment-pipeline/pkg/logger"
	"github.com/maciekb2/enrichment-pipeline/pkg/queue"
	"github.com/maciekb2/enrichment-pipeline/pkg/ratelimit"
	"github.com/maciekb2/enrichment-pipeline/pkg/store"
	"github.com/maciekb2/enrichment-pipeline/pkg/summarize"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// ContentFetcher supplies article text for items stored without it.
type ContentFetcher interface {
	Extract(ctx context.Context, url string) (string, error)
}

type Deps struct {
	Store      store.Store
	Queue      queue.Queue
	DeadLetter deadletter.Store
	Limiter    ratelimit.Limiter
	Summarizer summarize.Summarizer
	// Extractor is optional; without it an item with no content fails
	// permanently.
	Extractor ContentFetcher
}

func (d Deps) validate() error {
	var missing []string
	if d.Store == nil {
		missing = append(missing, "store")
	}
	if d.Queue == nil {
		missing = append(missing, "queue")
	}
	if d.DeadLetter == nil {
		missing = append(missing, "dead-letter store")
	}
	if d.Limiter == nil {
		missing = append(missing, "limiter")
	}
	if d.Summarizer == nil {
		missing = append(missing, "summarizer")
	}
	if len(missing) > 0 {
		return fmt.Errorf("pipeline: missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// Stats counts what one run did with the items it claimed.
type Stats struct {
	Claimed      int64 `json:"claimed"`
	Enriched     int64 `json:"enriched"`
	Discarded    int64 `json:"discarded"`
	Retried      int64 `json:"retried"`
	DeadLettered int64 `json:"dead_lettered"`
	Returned     int64 `json:"returned"`
}

type counters struct {
	claimed, enriched, discarded, retried, deadLettered, returned atomic.Int64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Claimed:      c.claimed.Load(),
		Enriched:     c.enriched.Load(),
		Discarded:    c.discarded.Load(),
		Retried:      c.retried.Load(),
		DeadLettered: c.deadLettered.Load(),
		Returned:     c.returned.Load(),
	}
}

// Pool runs Concurrency workers against the shared queue.
type Pool struct {
	id   string
	deps Deps
	cfg  PoolConfig
	settings
}

func NewPool(deps Deps, cfg PoolConfig, opts ...Option) (*Pool, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	return &Pool{
		id:       uuid.NewString(),
		deps:     deps,
		cfg:      cfg.withDefaults(),
		settings: buildSettings(opts),
	}, nil
}

func (p *Pool) Concurrency() int {
	return p.cfg.Concurrency
}

// RunBatch works until the queue is empty. A stage-level failure stops every
// worker and is returned along with what was done so far.
func (p *Pool) RunBatch(ctx context.Context) (Stats, error) {
	var c counters
	g, gctx := errgroup.WithContext(ctx)
	for i := 1; i <= p.cfg.Concurrency; i++ {
		workerID := i
		g.Go(func() error { return p.work(gctx, workerID, true, &c) })
	}
	err := g.Wait()
	stats := c.snapshot()
	p.refreshQueueSize(ctx)

	log := logger.WithContext(ctx).With("pool_id", p.id, "claimed", stats.Claimed, "enriched", stats.Enriched,
		"retried", stats.Retried, "dead_lettered", stats.DeadLettered, "discarded", stats.Discarded)
	if err != nil {
		log.Error("summarization batch aborted", "error", err)
		return stats, err
	}
	log.Info("summarization batch completed")
	return stats, nil
}

// Run works until ctx is done. Queue and store outages are logged and
// retried; only rejected credentials end the run early.
func (p *Pool) Run(ctx context.Context) error {
	var c counters
	g, gctx := errgroup.WithContext(ctx)
	for i := 1; i <= p.cfg.Concurrency; i++ {
		workerID := i
		g.Go(func() error { return p.work(gctx, workerID, false, &c) })
	}
	err := g.Wait()
	stats := c.snapshot()
	logger.WithContext(ctx).Info("worker pool stopped", "pool_id", p.id, "claimed", stats.Claimed, "enriched", stats.Enriched)
	return err
}

func (p *Pool) work(ctx context.Context, workerID int, batch bool, c *counters) error {
	log := logger.WithContext(ctx).With("pool_id", p.id, "worker_id", workerID)
	backoff := p.cfg.IdleBackoff
	idle := func() bool {
		ok := sleepContext(ctx, backoff)
		backoff = min(backoff*2, p.cfg.MaxIdleBackoff)
		return ok
	}

	for ctx.Err() == nil {
		entry, err := p.deps.Queue.PopHighest(ctx)
		switch {
		case errors.Is(err, queue.ErrEmpty):
			if batch || !idle() {
				return nil
			}
			continue
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			stageFailures.WithLabelValues("summarize").Inc()
			if batch {
				return fmt.Errorf("pipeline: claim: %w", err)
			}
			log.Warn("pipeline: claim failed, backing off", "error", err, "backoff", backoff)
			if !idle() {
				return nil
			}
			continue
		}

		backoff = p.cfg.IdleBackoff
		if err := p.process(ctx, workerID, entry, c); err != nil {
			if batch || errors.Is(err, ErrAuth) {
				return err
			}
			log.Warn("pipeline: stage failure, backing off", "error", err, "backoff", backoff)
			if !idle() {
				return nil
			}
		}
	}
	return nil
}

// process settles one claimed entry. The returned error is stage-level; item
// failures are absorbed into retry and dead-letter bookkeeping.
func (p *Pool) process(ctx context.Context, workerID int, entry flow.QueueEntry, c *counters) error {
	ctx, span := p.tracer.Start(ctx, "pipeline.enrich", trace.WithAttributes(
		attribute.String("item.id", entry.ID),
		attribute.Float64("item.score", entry.Score),
		attribute.Int("worker.id", workerID),
	))
	defer span.End()

	c.claimed.Add(1)
	p.events.Emit(ctx, flow.PipelineEvent{ItemID: entry.ID, Event: flow.EventClaimed, State: string(flow.StateClaimed), Score: entry.Score})

	item, err := p.deps.Store.GetContent(ctx, entry.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return p.discard(ctx, entry, c, "item not found")
	case err != nil:
		if ctx.Err() != nil {
			return p.fail(ctx, entry, c, ctx.Err())
		}
		return p.handBack(ctx, span, entry, c, fmt.Errorf("pipeline: load %s: %w", entry.ID, err))
	case item.Enriched():
		return p.discard(ctx, entry, c, "already enriched")
	}

	content := item.Content
	if strings.TrimSpace(content) == "" && item.URL != "" && p.deps.Extractor != nil {
		if content, err = p.deps.Extractor.Extract(ctx, item.URL); err != nil {
			return p.fail(ctx, entry, c, err)
		}
	}

	if err := p.deps.Limiter.Acquire(ctx); err != nil {
		if ctx.Err() != nil {
			return p.fail(ctx, entry, c, ctx.Err())
		}
		return p.handBack(ctx, span, entry, c, fmt.Errorf("pipeline: rate limiter: %w", err))
	}

	callCtx, cancel := context.WithTimeout(ctx, p.cfg.EnrichTimeout)
	start := time.Now()
	summary, err := p.deps.Summarizer.Summarize(callCtx, item.Title, content)
	cancel()
	recordEnrichment(start, err)
	if err != nil {
		if summarize.IsAuth(err) {
			return p.handBack(ctx, span, entry, c, fmt.Errorf("%w: %v", ErrAuth, err))
		}
		return p.fail(ctx, entry, c, err)
	}

	wctx, wcancel := detached(ctx)
	defer wcancel()
	applied, err := p.deps.Store.SetEnrichmentIfAbsent(wctx, entry.ID, summary)
	if err != nil {
		return p.handBack(ctx, span, entry, c, fmt.Errorf("pipeline: store result %s: %w", entry.ID, err))
	}
	if !applied {
		return p.discard(ctx, entry, c, "enriched concurrently")
	}
	if err := p.settle(wctx, entry.ID); err != nil {
		return err
	}

	state := transition(ctx, entry.ID, flow.StateClaimed, flow.StateEnriched)
	c.enriched.Add(1)
	recordOutcome("enriched")
	recordFreshness(ctx, item.Source, item.CrawledAt, p.now())
	p.events.Emit(ctx, flow.PipelineEvent{ItemID: entry.ID, Event: flow.EventEnriched, State: string(state), Score: entry.Score})
	logger.WithItem(ctx, entry.ID).Info("item enriched", "score", entry.Score, "duration", time.Since(start))
	return nil
}

// discard drops a claim whose item needs no enrichment.
func (p *Pool) discard(ctx context.Context, entry flow.QueueEntry, c *counters, reason string) error {
	bctx, cancel := detached(ctx)
	defer cancel()
	if err := p.settle(bctx, entry.ID); err != nil {
		return err
	}
	c.discarded.Add(1)
	recordOutcome("discarded")
	p.events.Emit(ctx, flow.PipelineEvent{ItemID: entry.ID, Event: flow.EventDiscarded, Detail: reason})
	logger.WithItem(ctx, entry.ID).Debug("claim discarded", "reason", reason)
	return nil
}

// fail charges one attempt to the item, then requeues it with a penalty or
// moves it to the dead-letter store.
func (p *Pool) fail(ctx context.Context, entry flow.QueueEntry, c *counters, cause error) error {
	bctx, cancel := detached(ctx)
	defer cancel()
	log := logger.WithItem(ctx, entry.ID)

	attempts, err := p.deps.Queue.IncrAttempts(bctx, entry.ID)
	if err != nil {
		return fmt.Errorf("pipeline: record attempt %s: %w", entry.ID, err)
	}

	permanent := isPermanent(cause)
	if attempts < p.cfg.MaxAttempts && !(permanent && p.cfg.DeadLetterPermanent) {
		next := retryScore(entry.Score, p.cfg.RetryPenalty, p.cfg.ScoreFloor)
		if err := p.deps.Queue.Requeue(bctx, entry.ID, next); err != nil {
			return fmt.Errorf("pipeline: requeue %s: %w", entry.ID, err)
		}
		state := transition(ctx, entry.ID, flow.StateClaimed, flow.StateQueued)
		c.retried.Add(1)
		recordOutcome("retried")
		p.events.Emit(ctx, flow.PipelineEvent{ItemID: entry.ID, Event: flow.EventRetried, State: string(state), Score: next, Attempt: attempts, Detail: cause.Error()})
		log.Warn("enrichment failed, requeued", "attempt", attempts, "score", next, "error", cause)
		return nil
	}

	now := p.now()
	dl := flow.DeadLetterEntry{
		ItemID:    entry.ID,
		Reason:    cause.Error(),
		Attempts:  attempts,
		Score:     entry.Score,
		FailedAt:  now,
		ExpiresAt: now.Add(p.cfg.DeadLetterTTL),
	}
	if err := p.deps.DeadLetter.Put(bctx, dl); err != nil {
		return fmt.Errorf("pipeline: dead-letter %s: %w", entry.ID, err)
	}
	if err := p.settle(bctx, entry.ID); err != nil {
		return err
	}
	state := transition(ctx, entry.ID, flow.StateClaimed, flow.StateDeadLettered)
	c.deadLettered.Add(1)
	recordOutcome("deadlettered")
	p.events.Emit(ctx, flow.PipelineEvent{ItemID: entry.ID, Event: flow.EventDeadLettered, State: string(state), Score: entry.Score, Attempt: attempts, Detail: dl.Reason})
	log.Error("enrichment failed, dead-lettered", "attempts", attempts, "permanent", permanent, "error", cause)
	return nil
}

// handBack returns the claim with its score unchanged after a stage-level
// failure and passes cause on. Best-effort: if the queue is down too, the
// expired claim lets the prioritizer re-enqueue the item.
func (p *Pool) handBack(ctx context.Context, span trace.Span, entry flow.QueueEntry, c *counters, cause error) error {
	bctx, cancel := detached(ctx)
	defer cancel()
	log := logger.WithItem(ctx, entry.ID)
	if err := p.deps.Queue.Requeue(bctx, entry.ID, entry.Score); err != nil {
		log.Warn("claim hand-back failed", "error", err)
	}
	state := transition(ctx, entry.ID, flow.StateClaimed, flow.StateQueued)
	c.returned.Add(1)
	recordOutcome("returned")
	stageFailures.WithLabelValues("summarize").Inc()
	failSpan(span, cause)
	p.events.Emit(ctx, flow.PipelineEvent{ItemID: entry.ID, Event: flow.EventReturned, State: string(state), Score: entry.Score, Detail: cause.Error()})
	return cause
}

// retryScore lowers score by penalty without going under floor. A score
// already below floor is left where it is.
func retryScore(score, penalty, floor float64) float64 {
	return min(score, max(score-penalty, floor))
}

// settle clears the attempt counter and drops the claim of a finished item.
func (p *Pool) settle(ctx context.Context, id string) error {
	if err := p.deps.Queue.ClearAttempts(ctx, id); err != nil {
		return fmt.Errorf("pipeline: clear attempts %s: %w", id, err)
	}
	if err := p.deps.Queue.Release(ctx, id); err != nil {
		return fmt.Errorf("pipeline: release %s: %w", id, err)
	}
	return nil
}

func (p *Pool) refreshQueueSize(ctx context.Context) {
	bctx, cancel := detached(ctx)
	defer cancel()
	if size, err := p.deps.Queue.Size(bctx); err == nil {
		queueSize.Set(float64(size))
	}
}

func isPermanent(err error) bool {
	return summarize.IsPermanent(err) || errors.Is(err, extract.ErrNoContent)
}

func transition(ctx context.Context, id string, from, to flow.ItemState) flow.ItemState {
	next, err := flow.Transition(from, to)
	if err != nil {
		logger.WithItem(ctx, id).Error("invalid item state transition", "error", err)
	}
	return next
}
