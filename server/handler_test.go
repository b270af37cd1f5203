package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/maciekb2/enrichment-pipeline/pkg/deadletter"
	"github.com/maciekb2/enrichment-pipeline/pkg/flow"
	"github.com/maciekb2/enrichment-pipeline/pkg/pipeline"
	"github.com/maciekb2/enrichment-pipeline/pkg/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type MockStages struct {
	mock.Mock
}

func (m *MockStages) Prioritize(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func (m *MockStages) Summarize(ctx context.Context, concurrency int) (pipeline.Stats, error) {
	args := m.Called(ctx, concurrency)
	return args.Get(0).(pipeline.Stats), args.Error(1)
}

func (m *MockStages) Cleanup(ctx context.Context, opts pipeline.CleanupOptions) (pipeline.CleanupReport, error) {
	args := m.Called(ctx, opts)
	return args.Get(0).(pipeline.CleanupReport), args.Error(1)
}

type testServer struct {
	stages *MockStages
	queue  *queue.MemoryQueue
	dlq    *deadletter.MemoryStore
	router *gin.Engine
}

func newTestServer(checks ...HealthCheck) *testServer {
	ts := &testServer{
		stages: new(MockStages),
		queue:  queue.NewMemoryQueue(),
		dlq:    deadletter.NewMemoryStore(),
	}
	ts.router = NewRouter(NewHandler(ts.stages, ts.queue, ts.dlq, pipeline.CleanupOptions{RetentionDays: 30}, checks...))
	return ts
}

func (ts *testServer) do(method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	ts := newTestServer(HealthCheck{Name: "redis", Check: func(context.Context) error { return nil }})
	w := ts.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])

	ts = newTestServer(HealthCheck{Name: "store", Check: func(context.Context) error { return errors.New("database is closed") }})
	w = ts.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	body := decode(t, w)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "database is closed", body["dependencies"].(map[string]any)["store"])
}

func TestQueue(t *testing.T) {
	ts := newTestServer()
	ctx := context.Background()
	require.NoError(t, ts.queue.Upsert(ctx, "a", 10))
	require.NoError(t, ts.queue.Upsert(ctx, "b", 5))
	require.NoError(t, ts.dlq.Put(ctx, flow.DeadLetterEntry{ItemID: "c", ExpiresAt: time.Now().Add(time.Hour)}))

	w := ts.do(http.MethodGet, "/queue", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, float64(2), body["size"])
	assert.Equal(t, float64(1), body["dead_letters"])

	ts.queue.SetFailure(errors.New("connection refused"))
	w = ts.do(http.MethodGet, "/queue", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestTriggerPrioritize(t *testing.T) {
	ts := newTestServer()
	ts.stages.On("Prioritize", mock.Anything).Return(7, nil).Once()
	ts.stages.On("Prioritize", mock.Anything).Return(0, pipeline.ErrBusy).Once()
	ts.stages.On("Prioritize", mock.Anything).Return(2, errors.New("queue: upsert: connection refused")).Once()

	w := ts.do(http.MethodPost, "/trigger/prioritize", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(7), decode(t, w)["queued"])

	w = ts.do(http.MethodPost, "/trigger/prioritize", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = ts.do(http.MethodPost, "/trigger/prioritize", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, decode(t, w)["error"], "connection refused")
	ts.stages.AssertExpectations(t)
}

func TestTriggerSummarize(t *testing.T) {
	ts := newTestServer()
	ts.stages.On("Summarize", mock.Anything, 4).Return(pipeline.Stats{Claimed: 3, Enriched: 2, DeadLettered: 1}, nil).Once()

	w := ts.do(http.MethodPost, "/trigger/summarize?concurrency=4", "")
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode(t, w)["stats"].(map[string]any)
	assert.Equal(t, float64(2), stats["enriched"])
	assert.Equal(t, float64(1), stats["dead_lettered"])

	w = ts.do(http.MethodPost, "/trigger/summarize?concurrency=10", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	ts.stages.AssertExpectations(t)
}

func TestTriggerSummarize_OutlivesClientDisconnect(t *testing.T) {
	ts := newTestServer()
	ts.router = NewRouter(NewHandler(ts.stages, ts.queue, ts.dlq, pipeline.CleanupOptions{}).WithTriggerTimeout(time.Minute))

	var (
		runErr   error
		deadline time.Time
		ok       bool
	)
	ts.stages.On("Summarize", mock.Anything, 0).
		Run(func(args mock.Arguments) {
			ctx := args.Get(0).(context.Context)
			runErr = ctx.Err()
			deadline, ok = ctx.Deadline()
		}).
		Return(pipeline.Stats{}, nil).Once()

	reqCtx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/trigger/summarize", nil).WithContext(reqCtx)
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NoError(t, runErr, "run is not cancelled with the request")
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Minute), deadline, 5*time.Second)
	ts.stages.AssertExpectations(t)
}

func TestTriggerCleanup(t *testing.T) {
	ts := newTestServer()
	ts.stages.On("Cleanup", mock.Anything, pipeline.CleanupOptions{RetentionDays: 30}).
		Return(pipeline.CleanupReport{Deleted: 1}, nil).Once()
	ts.stages.On("Cleanup", mock.Anything, pipeline.CleanupOptions{RetentionDays: 7, ByPublishDate: true}).
		Return(pipeline.CleanupReport{Deleted: 4}, nil).Twice()

	w := ts.do(http.MethodPost, "/trigger/cleanup", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(http.MethodPost, "/trigger/cleanup", `{"days":7,"by_publish":true}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(4), decode(t, w)["report"].(map[string]any)["deleted"])

	w = ts.do(http.MethodPost, "/trigger/cleanup?days=7&by_publish=true", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(http.MethodPost, "/trigger/cleanup", `{"days":-3}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	ts.stages.AssertExpectations(t)
}

func TestDeadLetters(t *testing.T) {
	ts := newTestServer()
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, ts.dlq.Put(ctx, flow.DeadLetterEntry{ItemID: "a", Reason: "summarize: openai API 503", Attempts: 3, ExpiresAt: now.Add(time.Hour)}))
	require.NoError(t, ts.dlq.Put(ctx, flow.DeadLetterEntry{ItemID: "b", ExpiresAt: now.Add(2 * time.Hour)}))
	require.NoError(t, ts.dlq.Put(ctx, flow.DeadLetterEntry{ItemID: "old", ExpiresAt: now.Add(-time.Minute)}))

	w := ts.do(http.MethodGet, "/deadletter?limit=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["count"])

	w = ts.do(http.MethodGet, "/deadletter", "")
	assert.Equal(t, float64(2), decode(t, w)["count"])

	w = ts.do(http.MethodGet, "/deadletter?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(http.MethodGet, "/deadletter/a", "")
	require.Equal(t, http.StatusOK, w.Code)
	var entry flow.DeadLetterEntry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entry))
	assert.Equal(t, 3, entry.Attempts)

	w = ts.do(http.MethodGet, "/deadletter/old", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMetricsRoute(t *testing.T) {
	ts := newTestServer()
	w := ts.do(http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
}
