package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maciekb2/enrichment-pipeline/pkg/deadletter"
	"github.com/maciekb2/enrichment-pipeline/pkg/logger"
	"github.com/maciekb2/enrichment-pipeline/pkg/queue"
	"github.com/maciekb2/enrichment-pipeline/pkg/store"
	"go.opentelemetry.io/otel/attribute"
)

type CleanupOptions struct {
	// RetentionDays deletes items older than this many days. Zero keeps all.
	RetentionDays int
	// ByPublishDate measures retention against the publish date instead of
	// the crawl date. Items without a publish date are kept.
	ByPublishDate bool
	// ResetAfter clears enrichment results older than this age so the items
	// are enriched again. Zero disables it.
	ResetAfter time.Duration
}

type CleanupReport struct {
	DeadLettersPurged int64 `json:"dead_letters_purged"`
	ClaimsReaped      int64 `json:"claims_reaped"`
	Reset             int64 `json:"reset"`
	Deleted           int64 `json:"deleted"`
}

type Cleanup struct {
	store store.Store
	queue queue.Queue
	dlq   deadletter.Store
	settings
}

func NewCleanup(st store.Store, q queue.Queue, dlq deadletter.Store, opts ...Option) *Cleanup {
	return &Cleanup{store: st, queue: q, dlq: dlq, settings: buildSettings(opts)}
}

// Run executes every step even when an earlier one fails; the failures are
// joined into the returned error.
func (c *Cleanup) Run(ctx context.Context, opts CleanupOptions) (CleanupReport, error) {
	ctx, span := c.tracer.Start(ctx, "pipeline.cleanup")
	defer span.End()

	var (
		report CleanupReport
		errs   []error
	)
	step := func(name string, dst *int64, fn func() (int64, error)) {
		n, err := fn()
		if err != nil {
			errs = append(errs, fmt.Errorf("pipeline: cleanup %s: %w", name, err))
			return
		}
		*dst = n
		cleanupRemoved.WithLabelValues(name).Add(float64(n))
	}

	now := c.now()
	step("deadletter", &report.DeadLettersPurged, func() (int64, error) { return c.dlq.Purge(ctx) })
	step("claims", &report.ClaimsReaped, func() (int64, error) { return c.queue.ReapClaims(ctx) })
	if opts.ResetAfter > 0 {
		step("reset", &report.Reset, func() (int64, error) {
			return c.store.ResetEnrichmentOlderThan(ctx, now.Add(-opts.ResetAfter))
		})
	}
	if opts.RetentionDays > 0 {
		field := store.ByCrawlDate
		if opts.ByPublishDate {
			field = store.ByPublishDate
		}
		cutoff := now.AddDate(0, 0, -opts.RetentionDays)
		step("retention", &report.Deleted, func() (int64, error) { return c.store.DeleteOlderThan(ctx, cutoff, field) })
	}

	span.SetAttributes(
		attribute.Int64("cleanup.deadletters_purged", report.DeadLettersPurged),
		attribute.Int64("cleanup.claims_reaped", report.ClaimsReaped),
		attribute.Int64("cleanup.reset", report.Reset),
		attribute.Int64("cleanup.deleted", report.Deleted),
	)
	log := logger.WithContext(ctx).With("dead_letters_purged", report.DeadLettersPurged, "claims_reaped", report.ClaimsReaped,
		"reset", report.Reset, "deleted", report.Deleted)

	if err := errors.Join(errs...); err != nil {
		failSpan(span, err)
		stageFailures.WithLabelValues("cleanup").Inc()
		log.Error("cleanup completed with errors", "error", err)
		return report, err
	}
	log.Info("cleanup completed")
	return report, nil
}
