// Package metrics registers the Prometheus families emitted by the tunnel
// server, all labeled by account name.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the metric families on a private Prometheus registry so
// tests can run many instances side by side.
type Registry struct {
	reg *prometheus.Registry

	activeConnections  *prometheus.GaugeVec
	connectionStatus   *prometheus.GaugeVec
	totalConnections   *prometheus.CounterVec
	bytesReceived      *prometheus.CounterVec
	bytesSent          *prometheus.CounterVec
	connectionDuration *prometheus.HistogramVec
}

var durationBuckets = []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600}

// New creates a Registry with all families registered.
func New() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}

	r.activeConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "streamsockets_active_connections",
		Help: "Number of active WebSocket connections by account",
	}, []string{"account_name"})

	r.connectionStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "streamsockets_connection_status",
		Help: "Connection status by account (1 = connected, 0 = disconnected)",
	}, []string{"account_name"})

	r.totalConnections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "streamsockets_total_connections",
		Help: "Total number of connections by account",
	}, []string{"account_name"})

	r.bytesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "streamsockets_bytes_received_total",
		Help: "Total bytes received from clients by account",
	}, []string{"account_name"})

	r.bytesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "streamsockets_bytes_sent_total",
		Help: "Total bytes sent to clients by account",
	}, []string{"account_name"})

	r.connectionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "streamsockets_connection_duration_seconds",
		Help:    "Connection duration in seconds by account",
		Buckets: durationBuckets,
	}, []string{"account_name"})

	r.reg.MustRegister(
		r.activeConnections,
		r.connectionStatus,
		r.totalConnections,
		r.bytesReceived,
		r.bytesSent,
		r.connectionDuration,
	)
	return r
}

// RecordConnectionStart marks an admitted connection for the account.
func (r *Registry) RecordConnectionStart(account string) {
	r.activeConnections.WithLabelValues(account).Inc()
	r.connectionStatus.WithLabelValues(account).Set(1)
	r.totalConnections.WithLabelValues(account).Inc()
}

// RecordConnectionEnd marks a closed connection and observes its duration.
func (r *Registry) RecordConnectionEnd(account string, duration time.Duration) {
	r.activeConnections.WithLabelValues(account).Dec()
	r.connectionStatus.WithLabelValues(account).Set(0)
	r.connectionDuration.WithLabelValues(account).Observe(duration.Seconds())
}

// RecordBytesReceived counts payload bytes that arrived from the client.
func (r *Registry) RecordBytesReceived(account string, n int) {
	r.bytesReceived.WithLabelValues(account).Add(float64(n))
}

// RecordBytesSent counts payload bytes forwarded to the client.
func (r *Registry) RecordBytesSent(account string, n int) {
	r.bytesSent.WithLabelValues(account).Add(float64(n))
}

// Handler returns the exposition handler for this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry for tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}
