// Package metrics holds the Prometheus collectors shared by the client and
// the bridge.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nbcopilot"

// Metrics bundles every collector behind its own registry so tests and
// multiple bridges in one process do not collide.
type Metrics struct {
	registry *prometheus.Registry

	CompletionRequests   prometheus.Counter
	CompletionSuperseded prometheus.Counter
	CompletionFetches    prometheus.Counter
	CompletionErrors     *prometheus.CounterVec
	FetchDuration        prometheus.Histogram

	Reconnects     prometheus.Counter
	QueueDropped   prometheus.Counter
	CorrelatorLate prometheus.Counter

	BridgeConnections prometheus.Gauge
	BridgeMessages    *prometheus.CounterVec
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		CompletionRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "requests_total",
			Help:      "Completion requests received from the editor",
		}),
		CompletionSuperseded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "superseded_total",
			Help:      "Completion requests resolved empty because a newer request arrived",
		}),
		CompletionFetches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "fetches_total",
			Help:      "Completion fetches that reached the backend",
		}),
		CompletionErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "fetch_errors_total",
				Help:      "Completion fetches that failed, by reason",
			},
			[]string{"reason"},
		),
		FetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "fetch_duration_seconds",
			Help:      "Latency of completion fetches",
			Buckets:   prometheus.DefBuckets,
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "conn",
			Name:      "reconnects_total",
			Help:      "Socket reconnect attempts",
		}),
		QueueDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "conn",
			Name:      "queue_dropped_total",
			Help:      "Queued edit messages evicted because the queue was full",
		}),
		CorrelatorLate: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "correlate",
			Name:      "late_replies_total",
			Help:      "Replies that arrived after their request settled",
		}),
		BridgeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "connections",
			Help:      "Open editor connections",
		}),
		BridgeMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "bridge",
				Name:      "messages_total",
				Help:      "Messages processed by the bridge, by type",
			},
			[]string{"type"},
		),
	}
	m.registry.MustRegister(
		m.CompletionRequests, m.CompletionSuperseded, m.CompletionFetches, m.CompletionErrors, m.FetchDuration,
		m.Reconnects, m.QueueDropped, m.CorrelatorLate,
		m.BridgeConnections, m.BridgeMessages,
	)
	return m
}

// OrNew returns m, or a fresh unexported set when m is nil.
func OrNew(m *Metrics) *Metrics {
	if m == nil {
		return New()
	}
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
