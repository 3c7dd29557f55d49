package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	validationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nlqgate_validation_total",
			Help: "Total number of generated SQL validations by dialect and outcome.",
		},
		[]string{"dialect", "outcome"},
	)
	queryExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nlqgate_query_executions_total",
			Help: "Total number of remote query executions by driver and final status.",
		},
		[]string{"driver", "status"},
	)
	queryExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nlqgate_query_execution_duration_seconds",
			Help:    "Remote query execution latency by driver.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"driver"},
	)
	queryRowsReturned = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nlqgate_query_rows_returned",
			Help:    "Rows returned per successful execution.",
			Buckets: []float64{0, 1, 10, 100, 500, 1000, 5000, 10000},
		},
	)
	introspectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nlqgate_introspections_total",
			Help: "Total number of schema introspections by driver and status.",
		},
		[]string{"driver", "status"},
	)
	schemaChangesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nlqgate_schema_changes_total",
			Help: "Total number of introspections whose content hash differed from the stored snapshot.",
		},
	)
	jobsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nlqgate_jobs_processed_total",
			Help: "Total number of queue jobs processed by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		validationsTotal,
		queryExecutionsTotal,
		queryExecutionDuration,
		queryRowsReturned,
		introspectionsTotal,
		schemaChangesTotal,
		jobsProcessedTotal,
	)
}

// ObserveValidation records a validator decision. outcome is "ok" or the rejection reason.
func ObserveValidation(dialect, outcome string) {
	validationsTotal.WithLabelValues(dialect, outcome).Inc()
}

func ObserveQueryExecution(driver, status string, rows int64, elapsed time.Duration) {
	queryExecutionsTotal.WithLabelValues(driver, status).Inc()
	queryExecutionDuration.WithLabelValues(driver).Observe(elapsed.Seconds())
	if status == "ok" {
		queryRowsReturned.Observe(float64(rows))
	}
}

func ObserveIntrospection(driver, status string, changed bool) {
	introspectionsTotal.WithLabelValues(driver, status).Inc()
	if changed {
		schemaChangesTotal.Inc()
	}
}

func ObserveJob(kind, outcome string) {
	jobsProcessedTotal.WithLabelValues(kind, outcome).Inc()
}
