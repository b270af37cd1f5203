package app

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/maciekb2/enrichment-pipeline/pkg/config"
	"github.com/maciekb2/enrichment-pipeline/pkg/flow"
	"github.com/maciekb2/enrichment-pipeline/pkg/pipeline"
	"github.com/maciekb2/enrichment-pipeline/pkg/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := config.Default()
	cfg.Redis.Addr = mr.Addr()
	cfg.Store.DSN = ":memory:"
	cfg.Enrichment.APIKey = "test-key"
	cfg.Scoring.Sources = map[string]float64{"kompas.com": 20}
	cfg.Scoring.Keywords = map[string]float64{}
	return cfg
}

func TestOpen_PrioritizesStoredItems(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	a, err := Open(ctx, cfg, "test")
	require.NoError(t, err)
	defer a.Close()
	assert.Nil(t, a.Bus)

	require.NoError(t, a.Store.Insert(ctx, flow.WorkItem{ID: "a", Title: "A", Source: "kompas.com", CrawledAt: time.Now()}))

	n, err := a.Runner.Prioritize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	size, err := a.Queue.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), size)
}

func TestOpen_WithoutAPIKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.Enrichment.APIKey = ""

	a, err := Open(context.Background(), cfg, "test")
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Runner.Pool(1)
	assert.ErrorContains(t, err, "missing summarizer")
}

func TestOpen_RedisDown(t *testing.T) {
	cfg := testConfig(t)
	cfg.Redis.Addr = "127.0.0.1:1"

	_, err := Open(context.Background(), cfg, "test")
	assert.ErrorContains(t, err, "app: redis")
}

func TestNewLimiter(t *testing.T) {
	a, err := Open(context.Background(), testConfig(t), "test")
	require.NoError(t, err)
	defer a.Close()

	l, err := newLimiter(config.RateLimitConfig{RequestsPerMinute: 30}, a.Redis)
	require.NoError(t, err)
	assert.IsType(t, &ratelimit.Gate{}, l)

	l, err = newLimiter(config.RateLimitConfig{RequestsPerMinute: 30, Shared: true}, a.Redis)
	require.NoError(t, err)
	assert.IsType(t, &ratelimit.RedisGate{}, l)
}

func TestCleanupOptions(t *testing.T) {
	a := &App{Config: config.Default()}
	a.Config.Cleanup.RetentionDays = 30
	a.Config.Cleanup.ByPublishDate = true
	assert.Equal(t, pipeline.CleanupOptions{RetentionDays: 30, ByPublishDate: true}, a.CleanupOptions())
}
