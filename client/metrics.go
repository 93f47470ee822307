package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	requests          *prometheus.CounterVec
	requestErrors     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	inFlight          prometheus.Gauge
	openConnections   prometheus.Gauge
	reconnects        prometheus.Counter
	heartbeatFailures prometheus.Counter
	events            *prometheus.CounterVec
}

// newMetrics creates the driver metrics. They are registered only when reg
// is non-nil.
func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cql",
			Name:      "requests_total",
			Help:      "Total number of requests sent, by opcode.",
		}, []string{"opcode"}),
		requestErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cql",
			Name:      "request_errors_total",
			Help:      "Total number of failed requests, by error kind.",
		}, []string{"kind"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cql",
			Name:      "request_duration_seconds",
			Help:      "Time from sending a request to receiving its response.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 9),
		}, []string{"opcode"}),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "cql",
			Name:      "inflight_streams",
			Help:      "Number of streams currently awaiting a response.",
		}),
		openConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "cql",
			Name:      "open_connections",
			Help:      "Number of connections in READY or DRAINING state.",
		}),
		reconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: "cql",
			Name:      "reconnect_attempts_total",
			Help:      "Total number of reconnect attempts made by host pools.",
		}),
		heartbeatFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "cql",
			Name:      "heartbeat_failures_total",
			Help:      "Total number of failed connection heartbeats.",
		}),
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cql",
			Name:      "events_total",
			Help:      "Total number of server events received, by type.",
		}, []string{"type"}),
	}
}
