// Package queue implements the shared priority queue that mediates work
// between the prioritizer and the workers.
//
// Entries are (id, score) pairs, at most one per id; higher scores are served
// first. Entries with equal scores are served in no particular order: callers
// must not assume FIFO among ties. PopHighest removes the entry and records a
// claim lease for it in the same atomic step, so no two callers ever receive
// the same id and the prioritizer can see which items are in flight.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maciekb2/enrichment-pipeline/pkg/flow"
)

var (
	ErrEmpty       = errors.New("queue: empty")
	ErrUnavailable = errors.New("queue: unavailable")
)

// Queue is the contract shared by RedisQueue and MemoryQueue.
type Queue interface {
	Upsert(ctx context.Context, id string, score float64) error
	PopHighest(ctx context.Context) (flow.QueueEntry, error)
	Size(ctx context.Context) (int64, error)
	Release(ctx context.Context, id string) error
	// Requeue puts a claimed id back with score and drops its claim in one
	// step, so a claim taken by another caller in between is never lost.
	Requeue(ctx context.Context, id string, score float64) error
	Pending(ctx context.Context) (map[string]struct{}, error)
	ReapClaims(ctx context.Context) (int64, error)
	IncrAttempts(ctx context.Context, id string) (int, error)
	Attempts(ctx context.Context, id string) (int, error)
	ClearAttempts(ctx context.Context, id string) error
}

// unavailableError keeps both the sentinel and the driver error reachable
// through errors.Is.
type unavailableError struct {
	op  string
	err error
}

func (e *unavailableError) Error() string {
	return fmt.Sprintf("queue: %s: %v", e.op, e.err)
}

func (e *unavailableError) Unwrap() []error {
	return []error{ErrUnavailable, e.err}
}

func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return &unavailableError{op: op, err: err}
}

type options struct {
	key      string
	claimTTL time.Duration
	now      func() time.Time
}

type Option func(*options)

// WithKey sets the sorted set key. Attempt counters and claims live next to it.
func WithKey(key string) Option {
	return func(o *options) { o.key = key }
}

func WithClaimTTL(ttl time.Duration) Option {
	return func(o *options) { o.claimTTL = ttl }
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{
		key:      flow.SortedQueue,
		claimTTL: 5 * time.Minute,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
