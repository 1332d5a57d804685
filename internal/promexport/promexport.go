// Package promexport adapts qwormhole.Metrics onto Prometheus,
// grounded on kstaniek-go-ampio-server/internal/metrics: promauto
// counters/gauges registered at package init, plus a StartHTTP serving
// /metrics with promhttp.Handler.
package promexport

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	qwormhole "github.com/qwormhole/qwormhole"
)

var (
	bytesIn = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qwormhole_bytes_in_total",
		Help: "Total payload bytes received across all connections.",
	})
	bytesOut = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qwormhole_bytes_out_total",
		Help: "Total payload bytes sent across all connections.",
	})
	connections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "qwormhole_connections",
		Help: "Current number of open connections.",
	})
	backpressureEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qwormhole_backpressure_events_total",
		Help: "Total times a connection's framer reported backpressure.",
	})
	drainEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qwormhole_drain_events_total",
		Help: "Total times a connection's framer reported drain.",
	})
	handshakeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qwormhole_handshake_failures_total",
		Help: "Total rejected or malformed handshakes.",
	})
)

// Metrics implements qwormhole.Metrics on top of the package-level
// Prometheus collectors above, so every qwormhole.Server/Client can be
// constructed with qwormhole.WithMetrics(promexport.New()) and export
// the same counters both in-process (via Snapshot) and via /metrics.
type Metrics struct {
	inner *qwormhole.DefaultMetrics
}

var _ qwormhole.Metrics = (*Metrics)(nil)

// New builds a Metrics that mirrors every update into the Prometheus
// collectors while keeping qwormhole.DefaultMetrics's atomic counters as
// the source of truth for Snapshot/Get* reads.
func New() *Metrics {
	return &Metrics{inner: qwormhole.NewDefaultMetrics()}
}

func (m *Metrics) IncrementBytesIn(n int64) {
	m.inner.IncrementBytesIn(n)
	bytesIn.Add(float64(n))
}

func (m *Metrics) IncrementBytesOut(n int64) {
	m.inner.IncrementBytesOut(n)
	bytesOut.Add(float64(n))
}

func (m *Metrics) IncrementConnections() {
	m.inner.IncrementConnections()
	connections.Set(float64(m.inner.GetConnections()))
}

func (m *Metrics) DecrementConnections() {
	m.inner.DecrementConnections()
	connections.Set(float64(m.inner.GetConnections()))
}

func (m *Metrics) IncrementBackpressureEvents() {
	m.inner.IncrementBackpressureEvents()
	backpressureEvents.Inc()
}

func (m *Metrics) IncrementDrainEvents() {
	m.inner.IncrementDrainEvents()
	drainEvents.Inc()
}

func (m *Metrics) IncrementHandshakeFailures() {
	m.inner.IncrementHandshakeFailures()
	handshakeFailures.Inc()
}

func (m *Metrics) GetBytesIn() int64            { return m.inner.GetBytesIn() }
func (m *Metrics) GetBytesOut() int64           { return m.inner.GetBytesOut() }
func (m *Metrics) GetConnections() int64        { return m.inner.GetConnections() }
func (m *Metrics) GetBackpressureEvents() int64 { return m.inner.GetBackpressureEvents() }
func (m *Metrics) GetDrainEvents() int64        { return m.inner.GetDrainEvents() }
func (m *Metrics) GetHandshakeFailures() int64  { return m.inner.GetHandshakeFailures() }

func (m *Metrics) Snapshot() qwormhole.TelemetrySnapshot { return m.inner.Snapshot() }

// StartHTTP serves Prometheus metrics at /metrics on addr, the same
// shape as the teacher pack's StartHTTP helper.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		_ = srv.ListenAndServe()
	}()
	return srv
}

// Shutdown gracefully stops the metrics HTTP server.
func Shutdown(ctx context.Context, srv *http.Server) error {
	return srv.Shutdown(ctx)
}
