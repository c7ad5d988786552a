// Package metrics exposes Prometheus metrics for sync runs, adapters and the scheduler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "storesync"

var (
	// RunsTotal tracks finished runs by sync type and final status
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runs",
			Name:      "total",
			Help:      "Total number of finished sync runs by status",
		},
		[]string{"sync_type", "status"},
	)

	// RunDuration tracks run duration in seconds
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "runs",
			Name:      "duration_seconds",
			Help:      "Duration of sync runs in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 900},
		},
		[]string{"sync_type"},
	)

	// RunsInFlight tracks runs currently executing in this process
	RunsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "runs",
			Name:      "in_flight",
			Help:      "Number of sync runs currently executing",
		},
	)

	// RunsRejected tracks run requests refused before a log was created
	RunsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runs",
			Name:      "rejected_total",
			Help:      "Total number of run requests rejected by reason",
		},
		[]string{"reason"},
	)

	// ItemsTotal tracks per-item outcomes
	ItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "items",
			Name:      "total",
			Help:      "Total number of processed items by outcome",
		},
		[]string{"sync_type", "outcome"},
	)

	// ConflictsDetected tracks two-way divergences by the policy that handled them
	ConflictsDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "conflicts",
			Name:      "detected_total",
			Help:      "Total number of detected conflicts by policy",
		},
		[]string{"policy"},
	)

	// AdapterCallsTotal tracks outbound platform calls
	AdapterCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "adapter",
			Name:      "calls_total",
			Help:      "Total number of platform adapter calls by result",
		},
		[]string{"platform", "operation", "result"},
	)

	// AdapterCallDuration tracks outbound platform call duration
	AdapterCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "adapter",
			Name:      "call_duration_seconds",
			Help:      "Duration of platform adapter calls in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"platform", "operation"},
	)

	// RateLimitWait tracks time spent waiting on a store's outbound limiter
	RateLimitWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "wait_seconds",
			Help:      "Time spent waiting for a store's rate limiter in seconds",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"store_id"},
	)

	// SchedulerDispatched tracks rules handed to the worker pool
	SchedulerDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "dispatched_total",
			Help:      "Total number of runs dispatched to workers by trigger",
		},
		[]string{"trigger"},
	)

	// SchedulerDeferred tracks due rules left for a later tick because the pool was full
	SchedulerDeferred = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "deferred_total",
			Help:      "Total number of due runs deferred because the worker queue was full",
		},
	)

	// SchedulerIterationDuration tracks time spent in one scheduler tick
	SchedulerIterationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "iteration_duration_seconds",
			Help:      "Duration of scheduler iterations in seconds",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
	)

	// InboxDepth tracks the scheduler inbox depth sampled each tick
	InboxDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "inbox_depth",
			Help:      "Messages waiting in the scheduler inbox",
		},
	)

	// ItemResultsDropped tracks item results lost because the writer fell behind
	ItemResultsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "syncer",
			Name:      "item_results_dropped_total",
			Help:      "Total number of item results dropped because the writer queue was full",
		},
	)
)

// RecordRun records a finished run
func RecordRun(syncType, status string, durationSeconds float64) {
	RunsTotal.WithLabelValues(syncType, status).Inc()
	RunDuration.WithLabelValues(syncType).Observe(durationSeconds)
}

// RecordItem records one item outcome
func RecordItem(syncType, outcome string) {
	ItemsTotal.WithLabelValues(syncType, outcome).Inc()
}

// RecordAdapterCall records an outbound platform call
func RecordAdapterCall(platform, operation, result string, durationSeconds float64) {
	AdapterCallsTotal.WithLabelValues(platform, operation, result).Inc()
	AdapterCallDuration.WithLabelValues(platform, operation).Observe(durationSeconds)
}
