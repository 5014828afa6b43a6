package dispatch

import "github.com/prometheus/client_golang/prometheus"

var (
	dispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genhub_dispatch_total",
			Help: "Backend selections by outcome.",
		},
		[]string{"outcome"},
	)

	probeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genhub_backend_probe_failures_total",
			Help: "Load probes that failed or timed out, per backend.",
		},
		[]string{"backend"},
	)
)

func init() {
	prometheus.MustRegister(dispatchTotal)
	prometheus.MustRegister(probeFailures)
}
