// Package metrics exposes Prometheus instrumentation for the job store and
// worker pool, registered with promauto against the default registry and
// served by the dashboard's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"queuectl/pkg/models"
)

var (
	// JobsByState mirrors the current count of jobs in each state, refreshed
	// on every Status/Metrics Reader call.
	JobsByState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "queuectl",
			Subsystem: "jobs",
			Name:      "by_state",
			Help:      "Current number of jobs in each lifecycle state",
		},
		[]string{"state"},
	)

	// ClaimsTotal counts ClaimNext outcomes.
	ClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "queuectl",
			Subsystem: "claims",
			Name:      "total",
			Help:      "Total ClaimNext calls by outcome (hit/miss)",
		},
		[]string{"outcome"},
	)

	// ExecutionDuration tracks attempt duration.
	ExecutionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "queuectl",
			Subsystem: "executions",
			Name:      "duration_seconds",
			Help:      "Duration of a single job attempt in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		},
	)

	// RetriesTotal counts scheduled retries.
	RetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "queuectl",
			Subsystem: "executions",
			Name:      "retries_total",
			Help:      "Total number of attempts that were rescheduled as a retry",
		},
	)

	// DLQMovesTotal counts jobs moved into the dead letter queue.
	DLQMovesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "queuectl",
			Subsystem: "dlq",
			Name:      "moves_total",
			Help:      "Total number of jobs moved into the dead letter queue",
		},
	)

	// OrphansReaped counts processing rows repaired by the startup/explicit sweep.
	OrphansReaped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "queuectl",
			Subsystem: "store",
			Name:      "orphans_reaped_total",
			Help:      "Total number of orphaned processing rows reset to failed",
		},
	)

	// ActiveWorkers tracks the pool supervisor's process-local active count.
	ActiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "queuectl",
			Subsystem: "pool",
			Name:      "active_workers",
			Help:      "Number of workers currently running in this process",
		},
	)

	// LogArchiveCircuitTrips counts every time the remote log-archival
	// circuit breaker opens, i.e. the configured S3 mirror has become
	// unreliable enough that queuectl has stopped calling it for a while.
	LogArchiveCircuitTrips = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "queuectl",
			Subsystem: "logstore",
			Name:      "archive_circuit_trips_total",
			Help:      "Total number of times the remote log archive circuit breaker opened",
		},
	)
)

// RecordClaimHit/RecordClaimMiss record a ClaimNext outcome.
func RecordClaimHit()  { ClaimsTotal.WithLabelValues("hit").Inc() }
func RecordClaimMiss() { ClaimsTotal.WithLabelValues("miss").Inc() }

// RecordExecution records one attempt's duration.
func RecordExecution(durationSeconds float64) {
	ExecutionDuration.Observe(durationSeconds)
}

// SyncJobCounts refreshes the jobs-by-state gauge from an Aggregate
// snapshot, called by the Status/Metrics Reader on every read.
func SyncJobCounts(counts map[models.State]int) {
	for _, state := range []models.State{
		models.StatePending, models.StateProcessing, models.StateCompleted,
		models.StateFailed, models.StateDead,
	} {
		JobsByState.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}
