package pipeline

import (
	"context"
	"fmt"

	"github.com/maciekb2/enrichment-pipeline/pkg/deadletter"
	"github.com/maciekb2/enrichment-pipeline/pkg/flow"
	"github.com/maciekb2/enrichment-pipeline/pkg/logger"
	"github.com/maciekb2/enrichment-pipeline/pkg/queue"
	"github.com/maciekb2/enrichment-pipeline/pkg/score"
	"github.com/maciekb2/enrichment-pipeline/pkg/store"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Prioritizer scores unenriched items and enqueues them.
type Prioritizer struct {
	store  store.Store
	queue  queue.Queue
	dlq    deadletter.Store
	scorer *score.Scorer
	settings
}

func NewPrioritizer(st store.Store, q queue.Queue, dlq deadletter.Store, scorer *score.Scorer, opts ...Option) *Prioritizer {
	return &Prioritizer{store: st, queue: q, dlq: dlq, scorer: scorer, settings: buildSettings(opts)}
}

// Run enqueues every unenriched item that is not already queued, in flight,
// or held by a live dead-letter entry, and returns how many it enqueued.
// The first queue error stops the run; what was enqueued stays enqueued and
// a later run picks up the rest.
func (p *Prioritizer) Run(ctx context.Context) (int, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.prioritize")
	defer span.End()

	items, err := p.store.SelectUnenriched(ctx)
	if err != nil {
		return p.abort(span, 0, fmt.Errorf("pipeline: select unenriched: %w", err))
	}
	pending, err := p.queue.Pending(ctx)
	if err != nil {
		return p.abort(span, 0, fmt.Errorf("pipeline: pending: %w", err))
	}
	held, err := p.dlq.ActiveIDs(ctx)
	if err != nil {
		return p.abort(span, 0, fmt.Errorf("pipeline: dead-letter ids: %w", err))
	}

	now := p.now()
	enqueued, skipped := 0, 0
	for _, item := range items {
		if _, ok := pending[item.ID]; ok {
			skipped++
			continue
		}
		if _, ok := held[item.ID]; ok {
			skipped++
			continue
		}
		s := p.scorer.Score(score.Metadata{Source: item.Source, Title: item.Title, PublishedAt: item.PublishedAt}, now)
		if err := p.queue.Upsert(ctx, item.ID, s); err != nil {
			return p.abort(span, enqueued, fmt.Errorf("pipeline: enqueue %s: %w", item.ID, err))
		}
		enqueued++
		prioritizerEnqueued.Inc()
		p.events.Emit(ctx, flow.PipelineEvent{ItemID: item.ID, Event: flow.EventQueued, State: string(flow.StateQueued), Score: s})
	}

	if size, err := p.queue.Size(ctx); err == nil {
		queueSize.Set(float64(size))
	}
	span.SetAttributes(
		attribute.Int("prioritize.candidates", len(items)),
		attribute.Int("prioritize.enqueued", enqueued),
		attribute.Int("prioritize.skipped", skipped),
	)
	logger.WithContext(ctx).Info("prioritization completed", "candidates", len(items), "enqueued", enqueued, "skipped", skipped)
	return enqueued, nil
}

func (p *Prioritizer) abort(span trace.Span, n int, err error) (int, error) {
	failSpan(span, err)
	stageFailures.WithLabelValues("prioritize").Inc()
	return n, err
}
