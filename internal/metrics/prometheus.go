package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "dispatch"

// LatencyBuckets defines histogram buckets for request latency (in seconds).
var LatencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5,
	1.0, 2.0, 3.0, 5.0, 10.0, 20.0, 30.0, 60.0, 120.0,
}

var (
	// RequestsTotal counts dispatched requests by outcome.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of dispatched requests",
		},
		[]string{"model", "operation", "status"},
	)

	// RequestDuration tracks end-to-end request latency.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end request latency in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"model", "operation"},
	)

	// TokensTotal counts consumed tokens by direction.
	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Total tokens consumed",
		},
		[]string{"model", "direction"},
	)

	// CacheLookups counts response cache lookups by outcome.
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Response cache lookups",
		},
		[]string{"result"},
	)

	// QueueDepth tracks the number of pending admission queue entries.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Pending entries in the admission queue",
		},
	)

	// ActiveSessions tracks the number of live sessions.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Live sessions in the session store",
		},
	)
)
