// Package metrics exposes StormStack's Prometheus collectors: HTTP traffic
// shared by both HTTP surfaces, plus scheduler/queue/cluster series specific
// to the simulation core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every StormStack collector, kept separate from the global
// default registry so embedding callers don't collide with it.
var Registry = prometheus.NewRegistry()

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stormstack",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests handled, by method/path/status.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "stormstack",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"method", "path"},
	)

	TicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stormstack",
			Subsystem: "scheduler",
			Name:      "ticks_total",
			Help:      "Total ticks executed, by container.",
		},
		[]string{"container_id"},
	)

	TickDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "stormstack",
			Subsystem: "scheduler",
			Name:      "tick_duration_seconds",
			Help:      "Wall-clock duration of a single tick pipeline.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		},
		[]string{"container_id"},
	)

	SlowTicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stormstack",
			Subsystem: "scheduler",
			Name:      "slow_ticks_total",
			Help:      "Ticks that exceeded the configured tick budget.",
		},
		[]string{"container_id"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "stormstack",
			Subsystem: "command",
			Name:      "queue_depth",
			Help:      "Current depth of a match's command queue.",
		},
		[]string{"match_id"},
	)

	SaturationScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "stormstack",
			Subsystem: "cluster",
			Name:      "saturation_score",
			Help:      "Most recently computed saturation score for a node.",
		},
		[]string{"node_id"},
	)
)

func init() {
	Registry.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		TicksTotal,
		TickDuration,
		SlowTicksTotal,
		QueueDepth,
		SaturationScore,
	)
}

// Handler returns the /metrics HTTP handler for Registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
