package queue

import (
	"context"
	"sync"
	"time"

	"github.com/maciekb2/enrichment-pipeline/pkg/flow"
)

// MemoryQueue is an in-process Queue with the same atomicity guarantees as
// RedisQueue: every operation runs under one mutex.
type MemoryQueue struct {
	mu       sync.Mutex
	entries  map[string]float64
	claims   map[string]time.Time
	attempts map[string]int
	claimTTL time.Duration
	now      func() time.Time
	fail     error
}

func NewMemoryQueue(opts ...Option) *MemoryQueue {
	o := buildOptions(opts)
	return &MemoryQueue{
		entries:  make(map[string]float64),
		claims:   make(map[string]time.Time),
		attempts: make(map[string]int),
		claimTTL: o.claimTTL,
		now:      o.now,
	}
}

// SetFailure makes every operation fail with err until cleared with nil.
func (q *MemoryQueue) SetFailure(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.fail = err
}

func (q *MemoryQueue) failure(op string) error {
	return unavailable(op, q.fail)
}

func (q *MemoryQueue) Upsert(_ context.Context, id string, score float64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.failure("upsert"); err != nil {
		return err
	}
	q.entries[id] = score
	return nil
}

func (q *MemoryQueue) PopHighest(_ context.Context) (flow.QueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.failure("pop"); err != nil {
		return flow.QueueEntry{}, err
	}

	var best flow.QueueEntry
	found := false
	for id, score := range q.entries {
		if !found || score > best.Score {
			best = flow.QueueEntry{ID: id, Score: score}
			found = true
		}
	}
	if !found {
		return flow.QueueEntry{}, ErrEmpty
	}
	delete(q.entries, best.ID)
	q.claims[best.ID] = q.now().Add(q.claimTTL)
	return best, nil
}

func (q *MemoryQueue) Size(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.failure("size"); err != nil {
		return 0, err
	}
	return int64(len(q.entries)), nil
}

func (q *MemoryQueue) Release(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.failure("release"); err != nil {
		return err
	}
	delete(q.claims, id)
	return nil
}

func (q *MemoryQueue) Requeue(_ context.Context, id string, score float64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.failure("requeue"); err != nil {
		return err
	}
	delete(q.claims, id)
	q.entries[id] = score
	return nil
}

func (q *MemoryQueue) Pending(_ context.Context) (map[string]struct{}, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.failure("pending"); err != nil {
		return nil, err
	}
	now := q.now()
	pending := make(map[string]struct{}, len(q.entries)+len(q.claims))
	for id := range q.entries {
		pending[id] = struct{}{}
	}
	for id, deadline := range q.claims {
		if deadline.After(now) {
			pending[id] = struct{}{}
		}
	}
	return pending, nil
}

func (q *MemoryQueue) ReapClaims(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.failure("reap claims"); err != nil {
		return 0, err
	}
	now := q.now()
	var n int64
	for id, deadline := range q.claims {
		if !deadline.After(now) {
			delete(q.claims, id)
			n++
		}
	}
	return n, nil
}

func (q *MemoryQueue) IncrAttempts(_ context.Context, id string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.failure("incr attempts"); err != nil {
		return 0, err
	}
	q.attempts[id]++
	return q.attempts[id], nil
}

func (q *MemoryQueue) Attempts(_ context.Context, id string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.failure("attempts"); err != nil {
		return 0, err
	}
	return q.attempts[id], nil
}

func (q *MemoryQueue) ClearAttempts(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.failure("clear attempts"); err != nil {
		return err
	}
	delete(q.attempts, id)
	return nil
}

// Score reports the queued score of id, for tests and diagnostics.
func (q *MemoryQueue) Score(id string) (float64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	s, ok := q.entries[id]
	return s, ok
}

// Claimed reports whether id holds a claim lease, live or not.
func (q *MemoryQueue) Claimed(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.claims[id]
	return ok
}

var _ Queue = (*MemoryQueue)(nil)
