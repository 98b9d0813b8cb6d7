package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are process-wide gauges/counters covering the pool's scheduling
// behavior, registered once at package init so every Pool in a process
// shares one set of series (labelled by concurrency group or by actor).
var (
	tasksClaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_queue_tasks_claimed_total",
		Help: "Tasks claimed by this worker process, by concurrency group.",
	}, []string{"group"})

	tasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_queue_tasks_completed_total",
		Help: "Tasks completed successfully, by actor.",
	}, []string{"actor"})

	tasksFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_queue_tasks_failed_total",
		Help: "Tasks that ended in a failure state, by actor.",
	}, []string{"actor"})

	tasksProcessing = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "orchestrator_queue_tasks_processing",
		Help: "Tasks currently in flight on this worker process, by concurrency group.",
	}, []string{"group"})
)
