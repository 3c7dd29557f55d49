package maintenance

import "github.com/prometheus/client_golang/prometheus"

var (
	maintenanceRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nlqgate_maintenance_runs_total",
			Help: "Total number of maintenance task runs by task and status.",
		},
		[]string{"task", "status"},
	)
	jobsRequeuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nlqgate_maintenance_jobs_requeued_total",
			Help: "Total number of jobs returned to the queue after their lease expired.",
		},
	)
	queriesReapedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nlqgate_maintenance_queries_reaped_total",
			Help: "Total number of abandoned executions finalized as timeout.",
		},
	)
	resultsDeletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nlqgate_maintenance_results_deleted_total",
			Help: "Total number of result artifacts deleted by retention.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		maintenanceRunsTotal,
		jobsRequeuedTotal,
		queriesReapedTotal,
		resultsDeletedTotal,
	)
}

func observeRun(task string, err error) {
	status := "completed"
	if err != nil {
		status = "failed"
	}
	maintenanceRunsTotal.WithLabelValues(task, status).Inc()
}
