package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/maciekb2/enrichment-pipeline/pkg/config"
	"github.com/maciekb2/enrichment-pipeline/pkg/deadletter"
	"github.com/maciekb2/enrichment-pipeline/pkg/logger"
	"github.com/maciekb2/enrichment-pipeline/pkg/pipeline"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultListLimit = 100

type StageRunner interface {
	Prioritize(ctx context.Context) (int, error)
	Summarize(ctx context.Context, concurrency int) (pipeline.Stats, error)
	Cleanup(ctx context.Context, opts pipeline.CleanupOptions) (pipeline.CleanupReport, error)
}

type QueueSizer interface {
	Size(ctx context.Context) (int64, error)
}

// HealthCheck names a dependency probed by GET /health.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type Handler struct {
	stages  StageRunner
	queue   QueueSizer
	dlq     deadletter.Store
	cleanup pipeline.CleanupOptions
	checks  []HealthCheck
	timeout time.Duration
}

const defaultTriggerTimeout = 30 * time.Minute

func NewHandler(stages StageRunner, queue QueueSizer, dlq deadletter.Store, cleanup pipeline.CleanupOptions, checks ...HealthCheck) *Handler {
	return &Handler{stages: stages, queue: queue, dlq: dlq, cleanup: cleanup, checks: checks, timeout: defaultTriggerTimeout}
}

// WithTriggerTimeout bounds stage runs started by the trigger endpoints.
func (h *Handler) WithTriggerTimeout(d time.Duration) *Handler {
	if d > 0 {
		h.timeout = d
	}
	return h
}

// stageContext detaches a stage run from the request. Runs end on the trigger
// timeout or on completion, never on client disconnect.
func (h *Handler) stageContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(c.Request.Context()), h.timeout)
}

func NewRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/health", h.Health)
	r.GET("/queue", h.Queue)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	trigger := r.Group("/trigger")
	{
		trigger.POST("/prioritize", h.TriggerPrioritize)
		trigger.POST("/summarize", h.TriggerSummarize)
		trigger.POST("/cleanup", h.TriggerCleanup)
	}

	dl := r.Group("/deadletter")
	{
		dl.GET("", h.ListDeadLetters)
		dl.GET("/:id", h.GetDeadLetter)
	}
	return r
}

func (h *Handler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	deps := gin.H{}
	for _, hc := range h.checks {
		if err := hc.Check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			deps[hc.Name] = err.Error()
			continue
		}
		deps[hc.Name] = "ok"
	}
	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	c.JSON(status, gin.H{"status": state, "dependencies": deps})
}

func (h *Handler) Queue(c *gin.Context) {
	ctx := c.Request.Context()
	size, err := h.queue.Size(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	dead, err := h.dlq.Count(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"size": size, "dead_letters": dead})
}

func (h *Handler) TriggerPrioritize(c *gin.Context) {
	start := time.Now()
	ctx, cancel := h.stageContext(c)
	defer cancel()
	n, err := h.stages.Prioritize(ctx)
	if h.stageError(c, pipeline.StagePrioritize, start, err) {
		return
	}
	recordTrigger(pipeline.StagePrioritize, "ok", start)
	c.JSON(http.StatusOK, gin.H{"status": "completed", "queued": n})
}

func (h *Handler) TriggerSummarize(c *gin.Context) {
	concurrency := 0
	if raw := c.Query("concurrency"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > config.MaxConcurrency {
			c.JSON(http.StatusBadRequest, gin.H{"error": "concurrency must be an integer between 1 and " + strconv.Itoa(config.MaxConcurrency)})
			return
		}
		concurrency = n
	}

	start := time.Now()
	ctx, cancel := h.stageContext(c)
	defer cancel()
	stats, err := h.stages.Summarize(ctx, concurrency)
	if h.stageError(c, pipeline.StageSummarize, start, err) {
		return
	}
	recordTrigger(pipeline.StageSummarize, "ok", start)
	c.JSON(http.StatusOK, gin.H{"status": "completed", "stats": stats})
}

type cleanupRequest struct {
	Days          *int `json:"days" form:"days" binding:"omitempty,min=0"`
	ByPublishDate bool `json:"by_publish" form:"by_publish"`
}

func (h *Handler) TriggerCleanup(c *gin.Context) {
	var req cleanupRequest
	bind := c.ShouldBindQuery
	if c.ContentType() == binding.MIMEJSON && c.Request.ContentLength != 0 {
		bind = c.ShouldBindJSON
	}
	if err := bind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	opts := h.cleanup
	if req.Days != nil {
		opts.RetentionDays = *req.Days
	}
	if req.ByPublishDate {
		opts.ByPublishDate = true
	}

	start := time.Now()
	ctx, cancel := h.stageContext(c)
	defer cancel()
	report, err := h.stages.Cleanup(ctx, opts)
	if h.stageError(c, pipeline.StageCleanup, start, err) {
		return
	}
	recordTrigger(pipeline.StageCleanup, "ok", start)
	c.JSON(http.StatusOK, gin.H{"status": "completed", "report": report})
}

func (h *Handler) stageError(c *gin.Context, stage string, start time.Time, err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, pipeline.ErrBusy):
		recordTrigger(stage, "busy", start)
		c.JSON(http.StatusConflict, gin.H{"error": stage + " is already running"})
	default:
		recordTrigger(stage, "failed", start)
		logger.WithContext(c.Request.Context()).Error("stage trigger failed", "stage", stage, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
	return true
}

func (h *Handler) ListDeadLetters(c *gin.Context) {
	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	entries, err := h.dlq.List(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

func (h *Handler) GetDeadLetter(c *gin.Context) {
	entry, err := h.dlq.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, deadletter.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, entry)
}
