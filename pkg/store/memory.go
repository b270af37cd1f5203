package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/maciekb2/enrichment-pipeline/pkg/flow"
)

// MemoryStore keeps items in a map and counts applied enrichment writes per
// item.
type MemoryStore struct {
	mu     sync.Mutex
	items  map[string]memoryItem
	writes map[string]int
	now    func() time.Time
	fail   error
}

type memoryItem struct {
	flow.WorkItem
	enrichedAt *time.Time
}

func NewMemoryStore(items ...flow.WorkItem) *MemoryStore {
	s := &MemoryStore{
		items:  make(map[string]memoryItem),
		writes: make(map[string]int),
		now:    time.Now,
	}
	for _, item := range items {
		s.items[item.ID] = memoryItem{WorkItem: item}
	}
	return s
}

func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

// SetFailure makes every operation fail with err until cleared with nil.
func (s *MemoryStore) SetFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

func (s *MemoryStore) Insert(_ context.Context, item flow.WorkItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.items[item.ID] = memoryItem{WorkItem: item}
	return nil
}

func (s *MemoryStore) SelectUnenriched(_ context.Context) ([]flow.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	var out []flow.WorkItem
	for _, item := range s.items {
		if !item.Enriched() {
			out = append(out, item.WorkItem)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CrawledAt.After(out[j].CrawledAt) })
	return out, nil
}

func (s *MemoryStore) GetContent(_ context.Context, id string) (flow.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return flow.WorkItem{}, s.fail
	}
	item, ok := s.items[id]
	if !ok {
		return flow.WorkItem{}, ErrNotFound
	}
	return item.WorkItem, nil
}

func (s *MemoryStore) SetEnrichmentIfAbsent(_ context.Context, id, result string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return false, s.fail
	}
	item, ok := s.items[id]
	if !ok || item.Enriched() {
		return false, nil
	}
	now := s.now()
	item.Summary = &result
	item.enrichedAt = &now
	s.items[id] = item
	s.writes[id]++
	return true, nil
}

func (s *MemoryStore) DeleteOlderThan(_ context.Context, cutoff time.Time, field DateField) (int64, error) {
	if err := field.valid(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return 0, s.fail
	}
	var n int64
	for id, item := range s.items {
		if ts := item.timestamp(field); ts != nil && ts.Before(cutoff) {
			delete(s.items, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ResetEnrichmentOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return 0, s.fail
	}
	var n int64
	for id, item := range s.items {
		if item.enrichedAt != nil && item.enrichedAt.Before(cutoff) {
			item.Summary = nil
			item.enrichedAt = nil
			s.items[id] = item
			n++
		}
	}
	return n, nil
}

// Writes reports how many enrichment writes were applied to id.
func (s *MemoryStore) Writes(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes[id]
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func (m memoryItem) timestamp(field DateField) *time.Time {
	switch field {
	case ByCrawlDate:
		t := m.CrawledAt
		return &t
	case ByPublishDate:
		return m.PublishedAt
	case byEnrichDate:
		return m.enrichedAt
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)
