// Package metrics declares the Prometheus collectors exported by the queue,
// the worker units and the broker health monitor.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksEnqueuedTotal counts accepted tasks by tier and route
	// ("broker" or "fallback").
	TasksEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "captionq_tasks_enqueued_total",
			Help: "Total number of tasks accepted by the queue manager",
		},
		[]string{"tier", "route"},
	)

	// DuplicateRejectionsTotal counts enqueues refused because the user
	// already has an active task.
	DuplicateRejectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "captionq_duplicate_rejections_total",
			Help: "Total number of enqueues rejected by the one-active-task-per-user rule",
		},
	)

	// PriorityDowngradesTotal counts enqueues whose priority was unknown and
	// mapped to normal.
	PriorityDowngradesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "captionq_priority_downgrades_total",
			Help: "Total number of unknown priorities downgraded to normal",
		},
	)

	// TasksProcessedTotal tracks terminal outcomes by tier and status.
	TasksProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "captionq_tasks_processed_total",
			Help: "Total number of tasks that reached a terminal state",
		},
		[]string{"tier", "status"},
	)

	// TaskRetriesTotal tracks failed attempts that were scheduled for retry.
	TaskRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "captionq_task_retries_total",
			Help: "Total number of task attempts re-enqueued for retry",
		},
		[]string{"tier"},
	)

	// TaskDurationSeconds tracks the duration of a single execution attempt.
	TaskDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "captionq_task_duration_seconds",
			Help:    "Histogram of task execution duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"tier"},
	)

	// QueueDepth is the number of ready tasks per tier at the last stats poll.
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "captionq_queue_depth",
			Help: "Number of ready tasks waiting in each tier",
		},
		[]string{"tier"},
	)

	// ActiveWorkers is the number of worker units running in this process.
	ActiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "captionq_active_workers",
			Help: "Number of worker units running in this process",
		},
	)

	// OrphansRecoveredTotal counts in-flight tasks requeued after their
	// worker's heartbeat expired.
	OrphansRecoveredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "captionq_orphans_recovered_total",
			Help: "Total number of tasks requeued from dead workers",
		},
	)

	// BrokerState exposes the health monitor state as a one-hot gauge.
	BrokerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "captionq_broker_state",
			Help: "Broker health state (1 for the current state, 0 otherwise)",
		},
		[]string{"state"},
	)

	// FallbackMigratedTotal counts fallback records imported into the broker.
	FallbackMigratedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "captionq_fallback_migrated_total",
			Help: "Total number of fallback tasks migrated into the broker",
		},
	)
)
