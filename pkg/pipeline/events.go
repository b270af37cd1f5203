package pipeline

import (
	"context"

	"github.com/google/uuid"
	"github.com/maciekb2/enrichment-pipeline/pkg/bus"
	"github.com/maciekb2/enrichment-pipeline/pkg/flow"
	"github.com/maciekb2/enrichment-pipeline/pkg/logger"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Publisher is satisfied by *bus.Client.
type Publisher interface {
	PublishJSON(ctx context.Context, subject string, payload any, headers nats.Header, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// Events publishes item lifecycle events. Publishing is best-effort: a
// failure is logged and never changes the outcome of the item. A nil *Events
// drops everything.
type Events struct {
	pub    Publisher
	source string
}

func NewEvents(pub Publisher, source string) *Events {
	return &Events{pub: pub, source: source}
}

func (e *Events) Emit(ctx context.Context, ev flow.PipelineEvent) {
	if e == nil || e.pub == nil {
		return
	}
	ev.ID = uuid.NewString()
	ev.Source = e.source
	ev.Timestamp = flow.Now()
	if ev.TraceParent == "" {
		carrier := propagation.MapCarrier{}
		otel.GetTextMapPropagator().Inject(ctx, carrier)
		ev.TraceParent = carrier["traceparent"]
	}
	if _, err := e.pub.PublishJSON(ctx, bus.Subject(ev.Event), ev, nil); err != nil {
		logger.WithItem(ctx, ev.ItemID).Warn("pipeline: event publish failed", "event", ev.Event, "error", err)
	}
}
