package ratelimit

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var acquireWait = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "ratelimit_acquire_wait_seconds",
		Help:    "Time spent waiting for an enrichment slot",
		Buckets: []float64{.01, .05, .1, .5, 1, 2, 5, 10, 30, 60},
	},
	[]string{"status"},
)

func observeWait(start time.Time, err error) {
	status := "acquired"
	if err != nil {
		status = "cancelled"
	}
	acquireWait.WithLabelValues(status).Observe(time.Since(start).Seconds())
}
