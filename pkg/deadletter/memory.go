package deadletter

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/maciekb2/enrichment-pipeline/pkg/flow"
)

type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]flow.DeadLetterEntry
	now     func() time.Time
}

func NewMemoryStore(opts ...Option) *MemoryStore {
	o := buildOptions(opts)
	return &MemoryStore{entries: make(map[string]flow.DeadLetterEntry), now: o.now}
}

func (s *MemoryStore) Put(_ context.Context, entry flow.DeadLetterEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.ItemID] = entry
	return nil
}

func (s *MemoryStore) Get(_ context.Context, itemID string) (flow.DeadLetterEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[itemID]
	if !ok || entry.Expired(s.now()) {
		return flow.DeadLetterEntry{}, ErrNotFound
	}
	return entry, nil
}

func (s *MemoryStore) List(_ context.Context, limit int) ([]flow.DeadLetterEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	var out []flow.DeadLetterEntry
	for _, entry := range s.entries {
		if !entry.Expired(now) {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ActiveIDs(_ context.Context) (map[string]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	active := make(map[string]struct{})
	for id, entry := range s.entries {
		if !entry.Expired(now) {
			active[id] = struct{}{}
		}
	}
	return active, nil
}

func (s *MemoryStore) Purge(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var n int64
	for id, entry := range s.entries {
		if entry.Expired(now) {
			delete(s.entries, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Count(ctx context.Context) (int64, error) {
	active, _ := s.ActiveIDs(ctx)
	return int64(len(active)), nil
}

var _ Store = (*MemoryStore)(nil)
