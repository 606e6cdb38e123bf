package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taleforge",
		Name:      "tasks_processed_total",
		Help:      "Pipeline tasks processed, by task type and outcome.",
	}, []string{"task", "outcome"})

	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "taleforge",
		Name:      "task_duration_seconds",
		Help:      "Wall time of pipeline tasks.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
	}, []string{"task"})

	FaceServiceCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taleforge",
		Name:      "face_service_calls_total",
		Help:      "Calls to the face service, by operation and outcome.",
	}, []string{"op", "outcome"})

	PagesWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taleforge",
		Name:      "pages_written_total",
		Help:      "Page artifacts written, by stage and kind.",
	}, []string{"stage", "kind"})

	Regenerations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taleforge",
		Name:      "regenerations_total",
		Help:      "Regeneration requests, by scope and outcome.",
	}, []string{"scope", "outcome"})
)

// ObserveTask records the outcome and duration of one task run.
func ObserveTask(task string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	TasksProcessed.WithLabelValues(task, outcome).Inc()
	TaskDuration.WithLabelValues(task).Observe(time.Since(start).Seconds())
}
