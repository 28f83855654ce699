package ai

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	aiRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "narrative_ai_requests_total",
			Help: "Total number of requests to the model inference service.",
		},
		[]string{"model", "status"},
	)
	aiRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "narrative_ai_request_duration_seconds",
			Help:    "Histogram of model request durations.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model"},
	)
	aiPromptTokens = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "narrative_ai_prompt_tokens",
			Help:    "Histogram of prompt token counts.",
			Buckets: prometheus.LinearBuckets(250, 250, 20), // 250, 500, ..., 5000
		},
		[]string{"model"},
	)
	aiCompletionTokens = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "narrative_ai_completion_tokens",
			Help:    "Histogram of completion token counts.",
			Buckets: prometheus.LinearBuckets(100, 100, 20),
		},
		[]string{"model"},
	)
)

func observeRequest(model, status string, seconds float64) {
	aiRequestsTotal.With(prometheus.Labels{"model": model, "status": status}).Inc()
	if status == "success" {
		aiRequestDuration.With(prometheus.Labels{"model": model}).Observe(seconds)
	}
}

func observeUsage(model string, promptTokens, completionTokens int) {
	if promptTokens > 0 {
		aiPromptTokens.With(prometheus.Labels{"model": model}).Observe(float64(promptTokens))
	}
	if completionTokens > 0 {
		aiCompletionTokens.With(prometheus.Labels{"model": model}).Observe(float64(completionTokens))
	}
}
