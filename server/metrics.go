package main

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	triggersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "server_triggers_total",
			Help: "Stage triggers received over HTTP",
		},
		[]string{"stage", "status"},
	)

	triggerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "server_trigger_duration_seconds",
			Help:    "Duration of stage triggers",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		},
		[]string{"stage"},
	)
)

func recordTrigger(stage, status string, start time.Time) {
	triggersTotal.WithLabelValues(stage, status).Inc()
	triggerDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}
