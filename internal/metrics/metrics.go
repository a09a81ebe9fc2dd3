package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metric names are part of the external interface; dashboards and alerts
// depend on them staying exactly as they are.
var (
	TaskEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "procurator_task_enqueued_total",
			Help: "Total number of tasks enqueued",
		},
		[]string{"queue", "task_name"},
	)

	TaskQueueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "procurator_task_queue_size",
			Help: "Current number of tasks in queue",
		},
		[]string{"queue"},
	)

	TaskStartedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "procurator_task_started_total",
			Help: "Total number of tasks started by worker",
		},
		[]string{"queue", "task_name"},
	)

	TaskFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "procurator_task_finished_total",
			Help: "Total number of tasks successfully finished",
		},
		[]string{"queue", "task_name"},
	)

	TaskFailedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "procurator_task_failed_total",
			Help: "Total number of tasks failed",
		},
		[]string{"queue", "task_name", "error_type"},
	)

	TaskExecutionSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "procurator_task_execution_seconds",
			Help:    "Time spent executing task handlers",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"queue", "task_name"},
	)
)

// RecordEnqueued records a task submission
func RecordEnqueued(queue, taskName string) {
	TaskEnqueuedTotal.WithLabelValues(queue, taskName).Inc()
}

// SetQueueSize updates the queue size gauge
func SetQueueSize(queue string, size float64) {
	TaskQueueSize.WithLabelValues(queue).Set(size)
}

// IncQueueSize increments the queue size gauge
func IncQueueSize(queue string) {
	TaskQueueSize.WithLabelValues(queue).Inc()
}

// DecQueueSize decrements the queue size gauge
func DecQueueSize(queue string) {
	TaskQueueSize.WithLabelValues(queue).Dec()
}

// RecordStarted records a task picked up by a worker
func RecordStarted(queue, taskName string) {
	TaskStartedTotal.WithLabelValues(queue, taskName).Inc()
}

// RecordFinished records a successful task completion and its duration
func RecordFinished(queue, taskName string, seconds float64) {
	TaskFinishedTotal.WithLabelValues(queue, taskName).Inc()
	TaskExecutionSeconds.WithLabelValues(queue, taskName).Observe(seconds)
}

// RecordFailed records a failed task attempt and its duration
func RecordFailed(queue, taskName, errorType string, seconds float64) {
	TaskFailedTotal.WithLabelValues(queue, taskName, errorType).Inc()
	TaskExecutionSeconds.WithLabelValues(queue, taskName).Observe(seconds)
}
