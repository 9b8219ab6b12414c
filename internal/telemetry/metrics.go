// Package telemetry exposes the relay's operational counters to Prometheus.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the shared metric set, labeled per logical server.
type Metrics struct {
	PacketsForwarded  *prometheus.CounterVec
	PacketsDropped    *prometheus.CounterVec
	ResponsesRelayed  *prometheus.CounterVec
	SendErrors        *prometheus.CounterVec
	HeadersStripped   *prometheus.CounterVec
	ActiveConnections *prometheus.GaugeVec
	BytesForwarded    *prometheus.CounterVec
	BytesReturned     *prometheus.CounterVec
}

// New registers the relay metric set on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		PacketsForwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_packets_forwarded_total",
			Help: "Datagrams forwarded to the target server.",
		}, []string{"server"}),
		PacketsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_packets_dropped_total",
			Help: "Datagrams dropped before forwarding, by reason.",
		}, []string{"server", "reason"}),
		ResponsesRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_responses_relayed_total",
			Help: "Target responses relayed back to clients.",
		}, []string{"server"}),
		SendErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_send_errors_total",
			Help: "Socket send failures on the forwarding path.",
		}, []string{"server"}),
		HeadersStripped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_proxy_headers_stripped_total",
			Help: "PROXY protocol v2 headers stripped from inbound datagrams.",
		}, []string{"server"}),
		ActiveConnections: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_active_connections",
			Help: "Pseudo-connections currently tracked.",
		}, []string{"server"}),
		BytesForwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_bytes_forwarded_total",
			Help: "Payload bytes forwarded to the target server.",
		}, []string{"server"}),
		BytesReturned: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_bytes_returned_total",
			Help: "Payload bytes relayed back to clients.",
		}, []string{"server"}),
	}
}

// NewDefault registers on the default prometheus registry.
func NewDefault() *Metrics {
	return New(prometheus.DefaultRegisterer)
}
