// Package metrics provides Prometheus collectors for the routing fabric.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all collectors of one node. Each instance owns its own
// registry so several nodes can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	// Router metrics
	RouterCommands    *prometheus.CounterVec
	RegisteredWorkers prometheus.Gauge

	// Dispatch metrics
	MessagesRouted      prometheus.Counter
	UndeliveredMessages *prometheus.CounterVec

	// Client metrics
	ClientRequests   *prometheus.CounterVec
	ClientLatency    prometheus.Histogram
	DiscardedReplies prometheus.Counter

	// Transport metrics
	TransportConnections *prometheus.GaugeVec
	TransportFrames      *prometheus.CounterVec
	TransportErrors      *prometheus.CounterVec
}

// New creates a new Metrics instance with the given namespace.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		RouterCommands: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "commands_total",
			Help:      "Router commands processed by kind and result",
		}, []string{"command", "result"}),
		RegisteredWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "registered_workers",
			Help:      "Number of workers currently bound in the address table",
		}),

		MessagesRouted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "messages_routed_total",
			Help:      "Messages delivered to a local worker mailbox",
		}),
		UndeliveredMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "messages_undelivered_total",
			Help:      "Messages dropped before reaching a mailbox, by reason",
		}, []string{"reason"}),

		ClientRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "requests_total",
			Help:      "Client requests by outcome",
		}, []string{"outcome"}),
		ClientLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "request_duration_seconds",
			Help:      "Time from sending a request to receiving its reply",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		DiscardedReplies: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "discarded_replies_total",
			Help:      "Replies dropped because their correlation id did not match",
		}),

		TransportConnections: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "connections",
			Help:      "Open transport connections by transport kind",
		}, []string{"transport"}),
		TransportFrames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "frames_total",
			Help:      "Frames sent and received by transport kind",
		}, []string{"transport", "direction"}),
		TransportErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "errors_total",
			Help:      "Transport failures by transport and error kind",
		}, []string{"transport", "kind"}),
	}
}

// Registry returns the registry backing this instance.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler exposing the collectors.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest records the outcome and latency of a client request.
func (m *Metrics) RecordRequest(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ClientRequests.WithLabelValues(outcome).Inc()
	m.ClientLatency.Observe(duration.Seconds())
}

// RecordUndelivered counts a message dropped for reason.
func (m *Metrics) RecordUndelivered(reason string) {
	if m == nil {
		return
	}
	m.UndeliveredMessages.WithLabelValues(reason).Inc()
}

// RecordDelivered counts a message handed to a mailbox.
func (m *Metrics) RecordDelivered() {
	if m == nil {
		return
	}
	m.MessagesRouted.Inc()
}

// RecordDiscardedReply counts a reply that matched no outstanding request.
func (m *Metrics) RecordDiscardedReply() {
	if m == nil {
		return
	}
	m.DiscardedReplies.Inc()
}

// ConnectionOpened adjusts the open connection gauge.
func (m *Metrics) ConnectionOpened(transport string) {
	if m == nil {
		return
	}
	m.TransportConnections.WithLabelValues(transport).Inc()
}

// ConnectionClosed adjusts the open connection gauge.
func (m *Metrics) ConnectionClosed(transport string) {
	if m == nil {
		return
	}
	m.TransportConnections.WithLabelValues(transport).Dec()
}

// RecordFrame counts a frame in direction "in" or "out".
func (m *Metrics) RecordFrame(transport, direction string) {
	if m == nil {
		return
	}
	m.TransportFrames.WithLabelValues(transport, direction).Inc()
}

// RecordTransportError counts a transport failure.
func (m *Metrics) RecordTransportError(transport, kind string) {
	if m == nil {
		return
	}
	m.TransportErrors.WithLabelValues(transport, kind).Inc()
}
