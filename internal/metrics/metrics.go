// Package metrics holds the prometheus collectors of a datashark run.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TasksTotal counts performed tasks by category and outcome.
	TasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "datashark_tasks_total",
		Help: "Total performed tasks by category and outcome",
	}, []string{"category", "outcome"})

	// TaskDuration tracks task execution time.
	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "datashark_task_duration_seconds",
		Help:    "Task execution time in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10), // 1ms to ~4min
	}, []string{"category"})

	// ResultsRouted counts results consumed by the orchestrator.
	ResultsRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "datashark_results_routed_total",
		Help: "Total task results routed by originating category",
	}, []string{"category"})

	// ContainersPersisted counts containers written to the container database.
	ContainersPersisted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "datashark_containers_persisted_total",
		Help: "Total containers persisted",
	})

	// PersistErrors counts failed database writes by database name.
	PersistErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "datashark_persist_errors_total",
		Help: "Total failed persist operations by database",
	}, []string{"database"})

	// QueueDepth is the number of tasks waiting in the input queue.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "datashark_queue_depth",
		Help: "Tasks waiting in the input queue",
	})

	// WorkersActive is the number of running worker loops.
	WorkersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "datashark_workers_active",
		Help: "Running worker loops",
	})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
