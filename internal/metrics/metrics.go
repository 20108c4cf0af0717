// Package metrics provides Prometheus metrics for udp-redirect.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "udp_redirect"
)

// Side labels for the listen and connect halves of the redirector.
const (
	SideListen  = "listen"
	SideConnect = "connect"
)

// Metrics contains all Prometheus metrics for the redirector.
type Metrics struct {
	// Forwarding metrics
	PacketsReceived *prometheus.CounterVec
	BytesReceived   *prometheus.CounterVec
	PacketsSent     *prometheus.CounterVec
	BytesSent       *prometheus.CounterVec

	// Policy metrics
	PacketsRejected *prometheus.CounterVec
	SenderRepins    prometheus.Counter

	// Error metrics
	ErrorsIgnored *prometheus.CounterVec
	PartialWrites prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		PacketsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_received_total",
			Help:      "Total datagrams received by side",
		}, []string{"side"}),
		BytesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total bytes received by side",
		}, []string{"side"}),
		PacketsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_sent_total",
			Help:      "Total datagrams sent by side",
		}, []string{"side"}),
		BytesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total bytes sent by side",
		}, []string{"side"}),

		PacketsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_rejected_total",
			Help:      "Total datagrams dropped by acceptance policy, by side and reason",
		}, []string{"side", "reason"}),
		SenderRepins: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sender_repins_total",
			Help:      "Total times the pinned listen-side sender changed",
		}),

		ErrorsIgnored: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_ignored_total",
			Help:      "Total ignorable socket errors by operation and errno",
		}, []string{"op", "errno"}),
		PartialWrites: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "partial_writes_total",
			Help:      "Total sends that reported fewer bytes than requested",
		}),
	}

	return m
}

// RecordReceive records a received datagram of n bytes.
func (m *Metrics) RecordReceive(side string, n int) {
	m.PacketsReceived.WithLabelValues(side).Inc()
	m.BytesReceived.WithLabelValues(side).Add(float64(n))
}

// RecordSend records a sent datagram of n bytes.
func (m *Metrics) RecordSend(side string, n int) {
	m.PacketsSent.WithLabelValues(side).Inc()
	m.BytesSent.WithLabelValues(side).Add(float64(n))
}

// RecordReject records a datagram dropped by the acceptance policy.
func (m *Metrics) RecordReject(side, reason string) {
	m.PacketsRejected.WithLabelValues(side, reason).Inc()
}

// RecordRepin records a pinned-sender change.
func (m *Metrics) RecordRepin() {
	m.SenderRepins.Inc()
}

// RecordIgnoredError records an ignorable socket error.
func (m *Metrics) RecordIgnoredError(op, errno string) {
	m.ErrorsIgnored.WithLabelValues(op, errno).Inc()
}

// RecordPartialWrite records a short send.
func (m *Metrics) RecordPartialWrite() {
	m.PartialWrites.Inc()
}
