// Package bus publishes and consumes item lifecycle events over NATS
// JetStream. Trace context travels in message headers.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const DefaultURL = "nats://nats:4222"

var errNotConnected = errors.New("bus: jetstream not initialized")

type Config struct {
	URL           string
	Name          string
	Timeout       time.Duration
	MaxReconnects int
	ReconnectWait time.Duration
}

type Client struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

type Handler func(context.Context, *nats.Msg) error

type ConsumeOptions struct {
	Batch   int
	MaxWait time.Duration
}

// Undeliverable is what lands on SubjectUndeliverable when a consumer gives
// up on a message.
type Undeliverable struct {
	Subject      string          `json:"subject"`
	Reason       string          `json:"reason"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Raw          string          `json:"raw,omitempty"`
	Sequence     uint64          `json:"sequence,omitempty"`
	NumDelivered uint64          `json:"num_delivered,omitempty"`
	ReceivedAt   string          `json:"received_at"`
}

func Connect(cfg Config, opts ...nats.Option) (*Client, error) {
	url := cfg.URL
	if url == "" {
		url = DefaultURL
	}
	options := []nats.Option{nats.MaxReconnects(-1)}
	if cfg.Name != "" {
		options = append(options, nats.Name(cfg.Name))
	}
	if cfg.Timeout > 0 {
		options = append(options, nats.Timeout(cfg.Timeout))
	}
	if cfg.MaxReconnects != 0 {
		options = append(options, nats.MaxReconnects(cfg.MaxReconnects))
	}
	if cfg.ReconnectWait > 0 {
		options = append(options, nats.ReconnectWait(cfg.ReconnectWait))
	}
	options = append(options, opts...)

	nc, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("bus: connect %s: %w", url, err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("bus: jetstream: %w", err)
	}
	return &Client{nc: nc, js: js}, nil
}

func (c *Client) Close() {
	if c == nil || c.nc == nil {
		return
	}
	c.nc.Close()
}

func (c *Client) Conn() *nats.Conn {
	if c == nil {
		return nil
	}
	return c.nc
}

// EnsureStream creates the stream or brings an existing one up to cfg.
func (c *Client) EnsureStream(cfg *nats.StreamConfig) error {
	if c == nil || c.js == nil {
		return errNotConnected
	}
	_, err := c.js.StreamInfo(cfg.Name)
	switch {
	case err == nil:
		_, err = c.js.UpdateStream(cfg)
	case errors.Is(err, nats.ErrStreamNotFound):
		_, err = c.js.AddStream(cfg)
	}
	if err != nil {
		return fmt.Errorf("bus: ensure stream %s: %w", cfg.Name, err)
	}
	return nil
}

func (c *Client) EnsureConsumer(stream string, cfg *nats.ConsumerConfig) error {
	if c == nil || c.js == nil {
		return errNotConnected
	}
	if cfg.Durable == "" {
		return errors.New("bus: consumer durable name is required")
	}
	_, err := c.js.ConsumerInfo(stream, cfg.Durable)
	switch {
	case err == nil:
		_, err = c.js.UpdateConsumer(stream, cfg)
	case errors.Is(err, nats.ErrConsumerNotFound):
		_, err = c.js.AddConsumer(stream, cfg)
	}
	if err != nil {
		return fmt.Errorf("bus: ensure consumer %s: %w", cfg.Durable, err)
	}
	return nil
}

func (c *Client) Publish(ctx context.Context, subject string, data []byte, headers nats.Header, opts ...nats.PubOpt) (*nats.PubAck, error) {
	if c == nil || c.js == nil {
		return nil, errNotConnected
	}
	msg := &nats.Msg{Subject: subject, Data: data, Header: cloneHeaders(headers)}
	injectTrace(ctx, msg.Header)
	return c.js.PublishMsg(msg, opts...)
}

func (c *Client) PublishJSON(ctx context.Context, subject string, payload any, headers nats.Header, opts ...nats.PubOpt) (*nats.PubAck, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("bus: encode %s: %w", subject, err)
	}
	return c.Publish(ctx, subject, data, headers, opts...)
}

func (c *Client) PullSubscribe(subject, durable string, opts ...nats.SubOpt) (*nats.Subscription, error) {
	if c == nil || c.js == nil {
		return nil, errNotConnected
	}
	return c.js.PullSubscribe(subject, durable, opts...)
}

// Consume fetches batches until ctx is done. A handler error naks the message
// for redelivery; after MaxDeliver attempts, or for a Permanent error, the
// message goes to SubjectUndeliverable and is acked.
func (c *Client) Consume(ctx context.Context, sub *nats.Subscription, opts ConsumeOptions, handler Handler) error {
	if sub == nil || handler == nil {
		return errors.New("bus: subscription and handler are required")
	}
	batch := opts.Batch
	if batch <= 0 {
		batch = 10
	}
	maxWait := opts.MaxWait
	if maxWait <= 0 {
		maxWait = 5 * time.Second
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msgs, err := sub.Fetch(batch, nats.MaxWait(maxWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("bus: fetch: %w", err)
		}
		c.processBatch(ctx, msgs, handler)
	}
}

func (c *Client) processBatch(ctx context.Context, msgs []*nats.Msg, handler Handler) {
	for _, msg := range msgs {
		msgCtx := ContextFromHeaders(ctx, msg.Header)
		if err := handler(msgCtx, msg); err != nil {
			c.handleFailure(msgCtx, msg, err)
			continue
		}
		_ = msg.Ack()
	}
}

// PermanentError marks a message that redelivery cannot fix.
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

func Permanent(err error) error {
	return &PermanentError{Err: err}
}

func (c *Client) handleFailure(ctx context.Context, msg *nats.Msg, err error) {
	var perm *PermanentError
	if !errors.As(err, &perm) && DeliveryAttempt(msg) < MaxDeliver() {
		_ = msg.Nak()
		return
	}
	if c != nil && c.js != nil {
		_, _ = c.PublishJSON(context.WithoutCancel(ctx), SubjectUndeliverable, BuildUndeliverable(msg, err.Error()), nil)
	}
	_ = msg.Ack()
}

func BuildUndeliverable(msg *nats.Msg, reason string) Undeliverable {
	entry := Undeliverable{
		Subject:    msg.Subject,
		Reason:     reason,
		ReceivedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	if json.Valid(msg.Data) {
		entry.Payload = json.RawMessage(msg.Data)
	} else {
		entry.Raw = string(msg.Data)
	}
	if meta, err := msg.Metadata(); err == nil && meta != nil {
		entry.Sequence = meta.Sequence.Stream
		entry.NumDelivered = meta.NumDelivered
	}
	return entry
}

// DeliveryAttempt is 1 for a first delivery or a message without metadata.
func DeliveryAttempt(msg *nats.Msg) int {
	meta, err := msg.Metadata()
	if err != nil || meta == nil || meta.NumDelivered == 0 {
		return 1
	}
	return int(meta.NumDelivered)
}

func ContextFromHeaders(ctx context.Context, header nats.Header) context.Context {
	if len(header) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, headerCarrier{header})
}

func injectTrace(ctx context.Context, header nats.Header) {
	if ctx == nil || header == nil {
		return
	}
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier{header})
}

func cloneHeaders(header nats.Header) nats.Header {
	clone := make(nats.Header, len(header))
	for key, values := range header {
		clone[key] = append([]string(nil), values...)
	}
	return clone
}

type headerCarrier struct {
	nats.Header
}

func (c headerCarrier) Get(key string) string { return c.Header.Get(key) }

func (c headerCarrier) Set(key, value string) { c.Header.Set(key, value) }

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c.Header))
	for k := range c.Header {
		keys = append(keys, k)
	}
	return keys
}

var _ propagation.TextMapCarrier = headerCarrier{}
