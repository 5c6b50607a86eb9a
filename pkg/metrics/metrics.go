// Package metrics provides Prometheus metrics for the Forge service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ChangeRequestsTotal tracks change request lifecycle transitions
	ChangeRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forge",
			Subsystem: "requests",
			Name:      "transitions_total",
			Help:      "Total number of change request state transitions",
		},
		[]string{"state"},
	)

	// RequestApplyDuration tracks how long applying a change request takes
	RequestApplyDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "forge",
			Subsystem: "requests",
			Name:      "apply_duration_seconds",
			Help:      "Duration of change request apply transactions in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)

	// BuildJobsTotal tracks build jobs by terminal status
	BuildJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forge",
			Subsystem: "builds",
			Name:      "jobs_total",
			Help:      "Total number of build jobs by terminal status",
		},
		[]string{"status"},
	)

	// BuildJobDuration tracks time from job submission to terminal report
	BuildJobDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "forge",
			Subsystem: "builds",
			Name:      "job_duration_seconds",
			Help:      "Time from build job submission to terminal report in seconds",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 1800, 3600, 7200},
		},
	)

	// PipelinesActive tracks build pipelines currently running
	PipelinesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "forge",
			Subsystem: "builds",
			Name:      "pipelines_active",
			Help:      "Number of build pipelines currently running",
		},
	)

	// ReportsConsumed tracks build reports consumed from Kafka
	ReportsConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forge",
			Subsystem: "reports",
			Name:      "consumed_total",
			Help:      "Total number of build reports consumed by outcome",
		},
		[]string{"status"},
	)

	// DLQReportsTotal tracks reports sent to the dead letter queue
	DLQReportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forge",
			Subsystem: "dlq",
			Name:      "reports_total",
			Help:      "Total number of build reports sent to the dead letter queue",
		},
		[]string{"reason"},
	)

	// KafkaEventsPublished tracks catalog events published to Kafka
	KafkaEventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forge",
			Subsystem: "kafka",
			Name:      "events_published_total",
			Help:      "Total number of catalog events published to Kafka",
		},
		[]string{"event_type", "status"},
	)

	// ComponentsApplied tracks component changes committed to the catalog
	ComponentsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forge",
			Subsystem: "catalog",
			Name:      "components_applied_total",
			Help:      "Total number of component changes committed to the catalog",
		},
		[]string{"kind"},
	)

	// DatabaseQueryDuration tracks database query duration
	DatabaseQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "forge",
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Duration of database queries in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"operation"},
	)
)

// RecordTransition records a change request state transition
func RecordTransition(state string) {
	ChangeRequestsTotal.WithLabelValues(state).Inc()
}

// RecordBuildJob records a build job reaching a terminal status
func RecordBuildJob(status string, durationSeconds float64) {
	BuildJobsTotal.WithLabelValues(status).Inc()
	BuildJobDuration.Observe(durationSeconds)
}

// RecordReport records a consumed build report
func RecordReport(status string) {
	ReportsConsumed.WithLabelValues(status).Inc()
}

// RecordDLQReport records a report sent to the dead letter queue
func RecordDLQReport(reason string) {
	DLQReportsTotal.WithLabelValues(reason).Inc()
}

// RecordEventPublished records a catalog event publish attempt
func RecordEventPublished(eventType, status string) {
	KafkaEventsPublished.WithLabelValues(eventType, status).Inc()
}

// RecordComponentApplied records a component change committed to the catalog
func RecordComponentApplied(kind string) {
	ComponentsApplied.WithLabelValues(kind).Inc()
}
