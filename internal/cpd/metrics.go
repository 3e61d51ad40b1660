package cpd

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	decompositionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polyadic_decompositions_total",
		Help: "Completed decomposition runs by outcome.",
	}, []string{"method", "stop_reason"})

	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "polyadic_stage_duration_seconds",
		Help:    "Wall time of each pipeline stage.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 12),
	}, []string{"stage"})

	finalRelError = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "polyadic_final_relative_error",
		Help:    "Relative error of completed decompositions.",
		Buckets: prometheus.ExponentialBuckets(1e-12, 10, 13),
	})

	outerIterations = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "polyadic_outer_iterations",
		Help:    "Outer iterations used per optimization stage.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"stage"})
)
