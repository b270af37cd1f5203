package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/maciekb2/enrichment-pipeline/pkg/flow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type writableStore interface {
	Store
	Insert(ctx context.Context, item flow.WorkItem) error
}

func implementations(t *testing.T) map[string]writableStore {
	t.Helper()
	sqlStore, err := Open(context.Background(), "sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { sqlStore.Close() })
	require.NoError(t, sqlStore.EnsureSchema(context.Background()))

	return map[string]writableStore{
		"sqlite": sqlStore,
		"memory": NewMemoryStore(),
	}
}

func forEach(t *testing.T, fn func(t *testing.T, s writableStore)) {
	for name, s := range implementations(t) {
		t.Run(name, func(t *testing.T) { fn(t, s) })
	}
}

func item(id string, crawledAgo time.Duration) flow.WorkItem {
	return flow.WorkItem{
		ID:        id,
		Title:     "title " + id,
		Source:    "kompas.com",
		URL:       "https://kompas.com/" + id,
		Content:   "body of " + id,
		CrawledAt: base.Add(-crawledAgo),
	}
}

func TestSelectUnenriched_SkipsEnriched(t *testing.T) {
	forEach(t, func(t *testing.T, s writableStore) {
		ctx := context.Background()
		require.NoError(t, s.Insert(ctx, item("a", time.Hour)))
		require.NoError(t, s.Insert(ctx, item("b", 2*time.Hour)))
		done := item("c", 0)
		summary := "already"
		done.Summary = &summary
		require.NoError(t, s.Insert(ctx, done))

		items, err := s.SelectUnenriched(ctx)
		require.NoError(t, err)
		require.Len(t, items, 2)
		assert.Equal(t, "a", items[0].ID, "newest crawl first")
		assert.Equal(t, "b", items[1].ID)
		assert.Equal(t, "kompas.com", items[0].Source)
		assert.True(t, items[0].CrawledAt.Equal(base.Add(-time.Hour)))
	})
}

func TestGetContent(t *testing.T) {
	forEach(t, func(t *testing.T, s writableStore) {
		ctx := context.Background()
		published := base.Add(-3 * time.Hour)
		it := item("a", time.Hour)
		it.PublishedAt = &published
		require.NoError(t, s.Insert(ctx, it))

		got, err := s.GetContent(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, "body of a", got.Content)
		assert.Nil(t, got.Summary)
		require.NotNil(t, got.PublishedAt)
		assert.True(t, got.PublishedAt.Equal(published))

		_, err = s.GetContent(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestSetEnrichmentIfAbsent_FirstWriteWins(t *testing.T) {
	forEach(t, func(t *testing.T, s writableStore) {
		ctx := context.Background()
		require.NoError(t, s.Insert(ctx, item("a", time.Hour)))

		applied, err := s.SetEnrichmentIfAbsent(ctx, "a", "first")
		require.NoError(t, err)
		assert.True(t, applied)

		applied, err = s.SetEnrichmentIfAbsent(ctx, "a", "second")
		require.NoError(t, err)
		assert.False(t, applied)

		got, err := s.GetContent(ctx, "a")
		require.NoError(t, err)
		require.NotNil(t, got.Summary)
		assert.Equal(t, "first", *got.Summary)

		applied, err = s.SetEnrichmentIfAbsent(ctx, "missing", "x")
		require.NoError(t, err)
		assert.False(t, applied)
	})
}

func TestSetEnrichmentIfAbsent_Concurrent(t *testing.T) {
	forEach(t, func(t *testing.T, s writableStore) {
		ctx := context.Background()
		require.NoError(t, s.Insert(ctx, item("a", time.Hour)))

		var (
			wg      sync.WaitGroup
			applied atomic.Int32
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.SetEnrichmentIfAbsent(ctx, "a", "result")
				assert.NoError(t, err)
				if ok {
					applied.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), applied.Load())
	})
}

func TestDeleteOlderThan(t *testing.T) {
	forEach(t, func(t *testing.T, s writableStore) {
		ctx := context.Background()
		oldPublished := base.Add(-40 * 24 * time.Hour)
		fresh := item("fresh", time.Hour)
		fresh.PublishedAt = &oldPublished
		require.NoError(t, s.Insert(ctx, fresh))
		require.NoError(t, s.Insert(ctx, item("stale", 31*24*time.Hour)))
		require.NoError(t, s.Insert(ctx, item("undated", 2*time.Hour)))

		cutoff := base.Add(-30 * 24 * time.Hour)
		n, err := s.DeleteOlderThan(ctx, cutoff, ByPublishDate)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n, "only the item with an old publish date")

		n, err = s.DeleteOlderThan(ctx, cutoff, ByCrawlDate)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		items, err := s.SelectUnenriched(ctx)
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, "undated", items[0].ID)

		_, err = s.DeleteOlderThan(ctx, cutoff, DateField("id; DROP TABLE items"))
		assert.Error(t, err)
	})
}

func TestResetEnrichmentOlderThan(t *testing.T) {
	forEach(t, func(t *testing.T, s writableStore) {
		ctx := context.Background()
		require.NoError(t, s.Insert(ctx, item("a", time.Hour)))
		applied, err := s.SetEnrichmentIfAbsent(ctx, "a", "summary")
		require.NoError(t, err)
		require.True(t, applied)

		n, err := s.ResetEnrichmentOlderThan(ctx, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(0), n, "written just now")

		n, err = s.ResetEnrichmentOlderThan(ctx, time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		items, err := s.SelectUnenriched(ctx)
		require.NoError(t, err)
		assert.Len(t, items, 1)
	})
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "dsn")
	assert.ErrorContains(t, err, "unsupported driver")
}

func TestMemoryStore_Writes(t *testing.T) {
	s := NewMemoryStore(item("a", 0))
	ctx := context.Background()
	_, _ = s.SetEnrichmentIfAbsent(ctx, "a", "one")
	_, _ = s.SetEnrichmentIfAbsent(ctx, "a", "two")
	assert.Equal(t, 1, s.Writes("a"))
	assert.Equal(t, 0, s.Writes("b"))
}
