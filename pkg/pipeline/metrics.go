package pipeline

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	itemsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_items_total",
			Help: "Claimed items by outcome",
		},
		[]string{"outcome"},
	)

	enrichmentDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_enrichment_duration_seconds",
			Help:    "Duration of enrichment service calls",
			Buckets: []float64{.1, .25, .5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"status"},
	)

	queueSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pipeline_queue_size",
		Help: "Entries waiting in the priority queue",
	})

	prioritizerEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_prioritizer_enqueued_total",
		Help: "Items enqueued by the prioritizer",
	})

	cleanupRemoved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_cleanup_removed_total",
			Help: "Records removed or reset by cleanup, by step",
		},
		[]string{"step"},
	)

	stageFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_stage_failures_total",
			Help: "Stage-level failures (queue, store or credentials)",
		},
		[]string{"stage"},
	)
)

// Time from crawl to enrichment, exported through the otel meter provider.
var freshness, _ = otel.Meter("pipeline").Float64Histogram(
	"pipeline_enrichment_freshness_seconds",
	metric.WithDescription("Age of an item when its enrichment was stored"),
	metric.WithUnit("s"),
)

func recordOutcome(outcome string) {
	itemsProcessed.WithLabelValues(outcome).Inc()
}

func recordEnrichment(start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	enrichmentDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
}

func recordFreshness(ctx context.Context, source string, crawledAt, now time.Time) {
	if crawledAt.IsZero() || freshness == nil {
		return
	}
	freshness.Record(ctx, now.Sub(crawledAt).Seconds(), metric.WithAttributes(attribute.String("source", source)))
}
