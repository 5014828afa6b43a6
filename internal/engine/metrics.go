package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genhub_jobs_total",
			Help: "Finished jobs by status and error kind.",
		},
		[]string{"status", "kind"},
	)

	attemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genhub_job_attempts_total",
			Help: "Backend attempts by outcome class.",
		},
		[]string{"class"},
	)

	jobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "genhub_job_duration_seconds",
			Help:    "Wall time from start of execution to terminal outcome.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 900},
		},
	)
)

func init() {
	prometheus.MustRegister(jobsTotal)
	prometheus.MustRegister(attemptsTotal)
	prometheus.MustRegister(jobDuration)
}
