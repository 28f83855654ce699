package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeRunners = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "narrative_engine_active_runners",
		Help: "Worlds with a running turn loop.",
	})
	turnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "narrative_engine_turns_total",
		Help: "Finished turns by status.",
	}, []string{"status"})
	turnDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "narrative_engine_turn_duration_seconds",
		Help:    "Time from dequeue to broadcast.",
		Buckets: prometheus.DefBuckets,
	})
	rejectedSubmissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "narrative_engine_rejected_submissions_total",
		Help: "Submissions rejected before queueing.",
	}, []string{"reason"})
	trackedTurns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "narrative_engine_tracked_turns",
		Help: "Turns kept for status lookup.",
	})
	faultedWorlds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "narrative_engine_faulted_worlds_total",
		Help: "Worlds moved to Faulted after a fatal synchronizer error.",
	})
)
