// internal/metrics/metrics.go
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RoundsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yamato_rounds_processed_total",
			Help: "Round transitions by outcome (generated, fallback, failed).",
		},
		[]string{"outcome"},
	)
	RoundDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "yamato_round_duration_seconds",
			Help:    "Time from claiming a round to committing it.",
			Buckets: prometheus.DefBuckets,
		},
	)
	NarratorRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yamato_narrator_requests_total",
			Help: "Requests to the narrative generator.",
		},
		[]string{"model", "status"},
	)
	NarratorDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "yamato_narrator_request_duration_seconds",
			Help:    "Latency of narrative generator requests.",
			Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 20, 30, 60},
		},
		[]string{"model"},
	)
	RealtimeConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "yamato_realtime_connections",
			Help: "Open websocket connections on this instance.",
		},
	)
	RealtimeDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "yamato_realtime_dropped_events_total",
			Help: "Events dropped because a client's outbound buffer was full.",
		},
	)
)

// Handler serves the default registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}
