package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_runs_total",
		Help: "Total number of scheduler runs by outcome.",
	}, []string{"result"})
	entriesProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_entries_processed_total",
		Help: "Total number of enrollments processed by per-entry result.",
	}, []string{"result"})
	batchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "scheduler_batch_duration_seconds",
		Help:    "Wall time of one full scheduler run.",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
	})
)

const (
	runResultEmpty     = "empty"
	runResultCompleted = "completed"
	runResultAborted   = "aborted"

	entryResultSuccess = "success"
	entryResultFailure = "failure"
)
