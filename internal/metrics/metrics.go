// Package metrics exposes the engine's prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PredictionDuration observes end-to-end serving latency per prediction
	// type, cache hits included.
	PredictionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "engine",
		Name:      "prediction_duration_seconds",
		Help:      "Prediction serving latency by prediction type.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"type"})

	PredictionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "engine",
		Name:      "prediction_errors_total",
		Help:      "Failed prediction requests by prediction type.",
	}, []string{"type"})

	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "engine",
		Name:      "prediction_cache_hits_total",
		Help:      "Predictions served from the redis cache.",
	}, []string{"type"})

	BaselineFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "engine",
		Name:      "baseline_fallbacks_total",
		Help:      "Predictions served by the baseline instead of a champion.",
	}, []string{"type"})

	TrainingRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "engine",
		Name:      "training_runs_total",
		Help:      "Completed training runs by model family and outcome.",
	}, []string{"family", "outcome"})

	TrainingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "engine",
		Name:      "training_duration_seconds",
		Help:      "Training run duration by model family.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"family"})

	Promotions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "engine",
		Name:      "promotions_total",
		Help:      "Champion/challenger evaluations by outcome.",
	}, []string{"outcome"})

	DriftEvents = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "engine",
		Name:      "drift_events_total",
		Help:      "Drift detections that forced an out-of-schedule retrain.",
	})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "engine",
		Name:      "retrain_queue_depth",
		Help:      "Retrain tasks waiting for a training worker.",
	})
)
