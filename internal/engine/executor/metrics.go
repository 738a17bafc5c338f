package executor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cascade_step_duration_seconds",
			Help:    "Duration of block executions",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"block_type", "status"},
	)

	stepRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cascade_step_retries_total",
			Help: "Total block execution retries",
		},
		[]string{"block_type"},
	)

	stepErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cascade_step_errors_total",
			Help: "Total block execution failures by error code",
		},
		[]string{"block_type", "code"},
	)
)
