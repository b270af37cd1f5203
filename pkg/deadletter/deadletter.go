// Package deadletter holds items that exhausted their enrichment attempts.
// Entries expire; an expired entry is treated as absent everywhere.
package deadletter

import (
	"context"
	"errors"
	"time"

	"github.com/maciekb2/enrichment-pipeline/pkg/flow"
)

var ErrNotFound = errors.New("deadletter: entry not found")

type Store interface {
	Put(ctx context.Context, entry flow.DeadLetterEntry) error
	Get(ctx context.Context, itemID string) (flow.DeadLetterEntry, error)
	List(ctx context.Context, limit int) ([]flow.DeadLetterEntry, error)
	ActiveIDs(ctx context.Context) (map[string]struct{}, error)
	Purge(ctx context.Context) (int64, error)
	Count(ctx context.Context) (int64, error)
}

type Option func(*options)

type options struct {
	key string
	now func() time.Time
}

func WithKey(key string) Option {
	return func(o *options) { o.key = key }
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{key: flow.DeadLetterItems, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
