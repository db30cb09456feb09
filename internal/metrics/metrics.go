// Package metrics provides Prometheus metrics for Tunnelbana.
package metrics

import (
	"bytes"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"
)

const (
	namespace = "tunnelbana"
)

// Metrics contains all Prometheus metrics for a peer.
type Metrics struct {
	// Channel metrics
	ChannelsOpen   prometheus.Gauge
	ChannelsOpened prometheus.Counter
	ChannelsClosed prometheus.Counter

	// Data transfer metrics
	BytesSent      prometheus.Counter
	BytesReceived  prometheus.Counter
	FramesSent     *prometheus.CounterVec
	FramesReceived *prometheus.CounterVec

	// SOCKS5 metrics
	SOCKS5Sessions      prometheus.Gauge
	SOCKS5SessionsTotal prometheus.Counter
	SOCKS5DialErrors    prometheus.Counter
	SOCKS5BadRequests   prometheus.Counter

	// Tunnel lifecycle metrics
	TunnelFailures *prometheus.CounterVec

	registry *prometheus.Registry
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = New()
	})
	return defaultMetrics
}

// New creates a Metrics instance backed by its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry(reg)
	m.registry = reg
	return m
}

// NewWithRegistry creates a new Metrics instance with a custom registry.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ChannelsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channels_open",
			Help:      "Number of currently open channels",
		}),
		ChannelsOpened: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channels_opened_total",
			Help:      "Total number of channels opened",
		}),
		ChannelsClosed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channels_closed_total",
			Help:      "Total number of channels closed",
		}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total payload bytes sent over the tunnel",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total payload bytes received over the tunnel",
		}),
		FramesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Total frames sent by type",
		}, []string{"frame_type"}),
		FramesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Total frames received by type",
		}, []string{"frame_type"}),
		SOCKS5Sessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "socks5_sessions_active",
			Help:      "Number of active SOCKS5 sessions",
		}),
		SOCKS5SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "socks5_sessions_total",
			Help:      "Total SOCKS5 sessions",
		}),
		SOCKS5DialErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "socks5_dial_errors_total",
			Help:      "Total failed dials to SOCKS5 targets",
		}),
		SOCKS5BadRequests: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "socks5_bad_requests_total",
			Help:      "Total malformed or unsupported SOCKS5 requests",
		}),
		TunnelFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tunnel_failures_total",
			Help:      "Total fatal tunnel errors by reason",
		}, []string{"reason"}),
	}
}

// Registry returns the backing registry, or nil when the instance was built
// on an external registerer.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordChannelOpen records a channel being opened.
func (m *Metrics) RecordChannelOpen() {
	m.ChannelsOpen.Inc()
	m.ChannelsOpened.Inc()
}

// RecordChannelClose records a channel being closed.
func (m *Metrics) RecordChannelClose() {
	m.ChannelsOpen.Dec()
	m.ChannelsClosed.Inc()
}

// RecordFrameSent records an outgoing frame and its payload size.
func (m *Metrics) RecordFrameSent(frameType string, payloadBytes int) {
	m.FramesSent.WithLabelValues(frameType).Inc()
	m.BytesSent.Add(float64(payloadBytes))
}

// RecordFrameReceived records an incoming frame and its payload size.
func (m *Metrics) RecordFrameReceived(frameType string, payloadBytes int) {
	m.FramesReceived.WithLabelValues(frameType).Inc()
	m.BytesReceived.Add(float64(payloadBytes))
}

// RecordSOCKS5Start records a SOCKS5 session starting.
func (m *Metrics) RecordSOCKS5Start() {
	m.SOCKS5Sessions.Inc()
	m.SOCKS5SessionsTotal.Inc()
}

// RecordSOCKS5End records a SOCKS5 session ending.
func (m *Metrics) RecordSOCKS5End() {
	m.SOCKS5Sessions.Dec()
}

// RecordDialError records a failed target dial.
func (m *Metrics) RecordDialError() {
	m.SOCKS5DialErrors.Inc()
}

// RecordBadRequest records a rejected SOCKS5 request.
func (m *Metrics) RecordBadRequest() {
	m.SOCKS5BadRequests.Inc()
}

// RecordTunnelFailure records a fatal tunnel error.
func (m *Metrics) RecordTunnelFailure(reason string) {
	m.TunnelFailures.WithLabelValues(reason).Inc()
}

// Render returns the registry contents in the Prometheus text format.
// Used by the operator console.
func (m *Metrics) Render() (string, error) {
	if m.registry == nil {
		return "", nil
	}

	families, err := m.registry.Gather()
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return "", err
		}
	}
	return buf.String(), nil
}
