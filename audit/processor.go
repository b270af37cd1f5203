package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/maciekb2/enrichment-pipeline/pkg/bus"
	"github.com/maciekb2/enrichment-pipeline/pkg/flow"
	"github.com/maciekb2/enrichment-pipeline/pkg/logger"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const defaultMaxEvents = 10000

var ErrBadPayload = errors.New("audit: bad payload")

// AuditProcessor appends pipeline events to a capped redis list, newest last.
type AuditProcessor struct {
	RDB       redis.Cmdable
	Tracer    trace.Tracer
	Key       string
	MaxEvents int64
}

func NewAuditProcessor(rdb redis.Cmdable, tracer trace.Tracer) *AuditProcessor {
	return &AuditProcessor{RDB: rdb, Tracer: tracer, Key: flow.AuditEvents, MaxEvents: defaultMaxEvents}
}

// Process is a bus.Handler. Payloads that do not decode are permanent
// failures; redis errors are retried by redelivery.
func (p *AuditProcessor) Process(ctx context.Context, msg *nats.Msg) error {
	var event flow.PipelineEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil || event.ItemID == "" || event.Event == "" {
		return bus.Permanent(fmt.Errorf("%w on %s", ErrBadPayload, msg.Subject))
	}

	parentCtx := ctx
	if !trace.SpanContextFromContext(parentCtx).IsValid() && event.TraceParent != "" {
		parentCtx = contextFromTraceParent(ctx, event.TraceParent)
	}
	ctx, span := p.Tracer.Start(parentCtx, "audit.persist")
	defer span.End()

	bus.AnnotateSpan(span, msg)
	span.SetAttributes(
		attribute.String("item.id", event.ItemID),
		attribute.String("audit.event", event.Event),
		attribute.String("audit.source", event.Source),
	)

	pipe := p.RDB.TxPipeline()
	pipe.RPush(ctx, p.Key, msg.Data)
	if p.MaxEvents > 0 {
		pipe.LTrim(ctx, p.Key, -p.MaxEvents, -1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("audit: persist %s: %w", event.ID, err)
	}

	logger.WithItem(ctx, event.ItemID).Info("audit: event processed", "event", event.Event, "state", event.State)
	return nil
}

func contextFromTraceParent(ctx context.Context, traceParent string) context.Context {
	carrier := propagation.MapCarrier{"traceparent": traceParent}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}
