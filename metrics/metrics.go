package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// PushMetrics prometheus instruments for the push node. A nil *PushMetrics is
// valid and records nothing, so unit tests can skip instrumentation.
type PushMetrics struct {
	registry *prometheus.Registry

	// Connections active websocket connections on this node
	Connections prometheus.Gauge
	// Frames client protocol frames by direction and result
	Frames *prometheus.CounterVec
	// Deliveries per (connection, transform) dispatch outcomes
	Deliveries *prometheus.CounterVec
	// Publishes envelopes published to the broker by delivery phase
	Publishes *prometheus.CounterVec
	// Bindings broker bind / unbind calls issued by this node
	Bindings *prometheus.CounterVec
}

// GetPushMetrics define the push node instruments on a dedicated registry
func GetPushMetrics() *PushMetrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	instruments := &PushMetrics{
		registry: registry,
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "push_connections_active",
			Help: "Active websocket connections",
		}),
		Frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "push_frames_total",
			Help: "Client protocol frames processed",
		}, []string{"direction", "result"}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "push_deliveries_total",
			Help: "Per connection and transform dispatch attempts",
		}, []string{"result"}),
		Publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "push_publishes_total",
			Help: "Envelopes published to the broker",
		}, []string{"phase"}),
		Bindings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "push_topic_bindings_total",
			Help: "Broker topic bind and unbind calls",
		}, []string{"op"}),
	}
	registry.MustRegister(
		instruments.Connections,
		instruments.Frames,
		instruments.Deliveries,
		instruments.Publishes,
		instruments.Bindings,
	)
	return instruments
}

// Registry the prometheus registry backing the instruments
func (m *PushMetrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ConnectionOpened record a new websocket connection
func (m *PushMetrics) ConnectionOpened() {
	if m != nil {
		m.Connections.Inc()
	}
}

// ConnectionClosed record a websocket connection teardown
func (m *PushMetrics) ConnectionClosed() {
	if m != nil {
		m.Connections.Dec()
	}
}

// RecordFrame record one processed client protocol frame
func (m *PushMetrics) RecordFrame(direction, result string) {
	if m != nil {
		m.Frames.WithLabelValues(direction, result).Inc()
	}
}

// RecordDelivery record one dispatch attempt outcome
func (m *PushMetrics) RecordDelivery(result string) {
	if m != nil {
		m.Deliveries.WithLabelValues(result).Inc()
	}
}

// RecordPublish record one envelope published to the broker
func (m *PushMetrics) RecordPublish(phase string) {
	if m != nil {
		m.Publishes.WithLabelValues(phase).Inc()
	}
}

// RecordBinding record one broker bind or unbind call
func (m *PushMetrics) RecordBinding(op string) {
	if m != nil {
		m.Bindings.WithLabelValues(op).Inc()
	}
}
