package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maciekb2/enrichment-pipeline/pkg/deadletter"
	"github.com/maciekb2/enrichment-pipeline/pkg/flow"
	"github.com/maciekb2/enrichment-pipeline/pkg/queue"
	"github.com/maciekb2/enrichment-pipeline/pkg/score"
	"github.com/maciekb2/enrichment-pipeline/pkg/store"
	"github.com/nats-io/nats.go"
)

var base = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
	events   []flow.PipelineEvent
}

func (r *recordingPublisher) PublishJSON(_ context.Context, subject string, payload any, _ nats.Header, _ ...nats.PubOpt) (*nats.PubAck, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subjects = append(r.subjects, subject)
	if ev, ok := payload.(flow.PipelineEvent); ok {
		r.events = append(r.events, ev)
	}
	return &nats.PubAck{}, nil
}

func (r *recordingPublisher) named(event string) []flow.PipelineEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []flow.PipelineEvent
	for _, ev := range r.events {
		if ev.Event == event {
			out = append(out, ev)
		}
	}
	return out
}

type summarizerFunc func(ctx context.Context, title, content string) (string, error)

func (f summarizerFunc) Summarize(ctx context.Context, title, content string) (string, error) {
	return f(ctx, title, content)
}

type countingSummarizer struct {
	calls atomic.Int32
	fn    summarizerFunc
}

func (s *countingSummarizer) Summarize(ctx context.Context, title, content string) (string, error) {
	s.calls.Add(1)
	return s.fn(ctx, title, content)
}

type openLimiter struct{}

func (openLimiter) Acquire(ctx context.Context) error { return ctx.Err() }

type extractorFunc func(ctx context.Context, url string) (string, error)

func (f extractorFunc) Extract(ctx context.Context, url string) (string, error) { return f(ctx, url) }

type fixture struct {
	clock  *fakeClock
	store  *store.MemoryStore
	queue  *queue.MemoryQueue
	dlq    *deadletter.MemoryStore
	pub    *recordingPublisher
	events *Events
}

func newFixture(items ...flow.WorkItem) *fixture {
	clock := &fakeClock{t: base}
	pub := &recordingPublisher{}
	return &fixture{
		clock:  clock,
		store:  store.NewMemoryStore(items...).WithClock(clock.Now),
		queue:  queue.NewMemoryQueue(queue.WithClaimTTL(time.Minute), queue.WithClock(clock.Now)),
		dlq:    deadletter.NewMemoryStore(deadletter.WithClock(clock.Now)),
		pub:    pub,
		events: NewEvents(pub, "test"),
	}
}

func (f *fixture) opts() []Option {
	return []Option{WithEvents(f.events), WithClock(f.clock.Now)}
}

func (f *fixture) deps(s interface {
	Summarize(ctx context.Context, title, content string) (string, error)
}) Deps {
	return Deps{Store: f.store, Queue: f.queue, DeadLetter: f.dlq, Limiter: openLimiter{}, Summarizer: s}
}

func (f *fixture) prioritizer() *Prioritizer {
	return NewPrioritizer(f.store, f.queue, f.dlq, score.New(score.DefaultWeights()), f.opts()...)
}

func testPoolConfig() PoolConfig {
	return PoolConfig{
		Concurrency:         2,
		MaxAttempts:         3,
		RetryPenalty:        5,
		IdleBackoff:         5 * time.Millisecond,
		MaxIdleBackoff:      20 * time.Millisecond,
		EnrichTimeout:       time.Second,
		DeadLetterTTL:       time.Hour,
		DeadLetterPermanent: true,
	}
}

func workItem(id, source, title string) flow.WorkItem {
	return flow.WorkItem{
		ID:        id,
		Title:     title,
		Source:    source,
		Content:   "content of " + id,
		CrawledAt: base.Add(-time.Hour),
	}
}
