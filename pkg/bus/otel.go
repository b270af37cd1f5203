package bus

import (
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AnnotateSpan records where msg came from on span.
func AnnotateSpan(span trace.Span, msg *nats.Msg) {
	if span == nil || msg == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("messaging.system", "nats"),
		attribute.String("messaging.destination.name", msg.Subject),
	}
	if meta, err := msg.Metadata(); err == nil && meta != nil {
		attrs = append(attrs,
			attribute.String("messaging.nats.stream", meta.Stream),
			attribute.String("messaging.nats.consumer", meta.Consumer),
			attribute.Int64("messaging.nats.deliver_count", int64(meta.NumDelivered)),
		)
	}
	span.SetAttributes(attrs...)
}
