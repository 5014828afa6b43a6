package stream

import "github.com/prometheus/client_golang/prometheus"

var (
	streamsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "genhub_streams_open",
		Help: "Stream channels currently held by the registry.",
	})

	streamsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genhub_streams_closed_total",
			Help: "Stream channels removed, by reason.",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(streamsOpen)
	prometheus.MustRegister(streamsClosed)
}
