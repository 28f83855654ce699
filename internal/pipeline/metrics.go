package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	poolInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "narrative_model_pool_in_flight",
		Help: "Model invocations currently holding a pool slot.",
	})
	poolWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "narrative_model_pool_wait_seconds",
		Help:    "Time spent waiting for a model pool slot.",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
	})
	poolRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "narrative_model_pool_rejections_total",
		Help: "Model invocations rejected because the pool stayed busy past the wait bound.",
	})
	modelAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "narrative_model_attempts_total",
		Help: "Model invocation attempts by outcome.",
	}, []string{"outcome"})
	pipelineResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "narrative_pipeline_results_total",
		Help: "Pipeline outcomes: ok, corrected, fallback, failed.",
	}, []string{"result"})
)
