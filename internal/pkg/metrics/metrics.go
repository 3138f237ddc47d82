// Package metrics holds the process-wide Prometheus registry and the
// scheduler's collectors.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var registry = prometheus.NewRegistry()

// Registry returns the registry for whatever chooses to serve it.
func Registry() *prometheus.Registry {
	return registry
}

var (
	// JobRuns counts completed firings by outcome status.
	JobRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "routinely_job_runs_total",
		Help: "Completed job firings by status.",
	}, []string{"status"})

	// JobsArmed tracks how many jobs currently hold a live timer.
	JobsArmed = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "routinely_jobs_armed",
		Help: "Jobs with a live timer armed.",
	})
)

func init() {
	registry.MustRegister(JobRuns, JobsArmed)
}
