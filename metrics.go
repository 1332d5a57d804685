package qwormhole

import "sync/atomic"

// Metrics tracks transport-wide counters. The shape follows the
// teacher's Increment*/Get* split (atomic counters behind an interface,
// callers read it from outside the I/O path), extended with the fields
// spec.md's telemetry sink needs: connections, backpressure_events,
// drain_events.
type Metrics interface {
	IncrementBytesIn(n int64)
	IncrementBytesOut(n int64)
	IncrementConnections()
	DecrementConnections()
	IncrementBackpressureEvents()
	IncrementDrainEvents()
	IncrementHandshakeFailures()

	GetBytesIn() int64
	GetBytesOut() int64
	GetConnections() int64
	GetBackpressureEvents() int64
	GetDrainEvents() int64
	GetHandshakeFailures() int64

	Snapshot() TelemetrySnapshot
}

// TelemetrySnapshot is the synchronous telemetry-sink payload from
// spec.md §6: "{bytes_in, bytes_out, connections, backpressure_events,
// drain_events}".
type TelemetrySnapshot struct {
	BytesIn             int64
	BytesOut            int64
	Connections         int64
	BackpressureEvents  int64
	DrainEvents         int64
	HandshakeFailures   int64
}

// TelemetrySink is the optional synchronous telemetry receiver (spec.md
// §6). The Server invokes it after accepting a connection, on
// backpressure and drain events, and after a connection closes; byte
// counter updates alone do not invoke it, and the Client never does.
// internal/azstore.QueueTelemetrySink is not a TelemetrySink: its Report
// method relays one connection's diagnostics and batch stats.
type TelemetrySink func(TelemetrySnapshot)

// DefaultMetrics implements Metrics with atomic counters.
type DefaultMetrics struct {
	bytesIn             int64
	bytesOut            int64
	connections         int64
	backpressureEvents  int64
	drainEvents         int64
	handshakeFailures   int64
}

// NewDefaultMetrics creates a new DefaultMetrics instance.
func NewDefaultMetrics() *DefaultMetrics { return &DefaultMetrics{} }

func (m *DefaultMetrics) IncrementBytesIn(n int64)          { atomic.AddInt64(&m.bytesIn, n) }
func (m *DefaultMetrics) IncrementBytesOut(n int64)         { atomic.AddInt64(&m.bytesOut, n) }
func (m *DefaultMetrics) IncrementConnections()             { atomic.AddInt64(&m.connections, 1) }
func (m *DefaultMetrics) DecrementConnections()             { atomic.AddInt64(&m.connections, -1) }
func (m *DefaultMetrics) IncrementBackpressureEvents()      { atomic.AddInt64(&m.backpressureEvents, 1) }
func (m *DefaultMetrics) IncrementDrainEvents()             { atomic.AddInt64(&m.drainEvents, 1) }
func (m *DefaultMetrics) IncrementHandshakeFailures()       { atomic.AddInt64(&m.handshakeFailures, 1) }

func (m *DefaultMetrics) GetBytesIn() int64            { return atomic.LoadInt64(&m.bytesIn) }
func (m *DefaultMetrics) GetBytesOut() int64           { return atomic.LoadInt64(&m.bytesOut) }
func (m *DefaultMetrics) GetConnections() int64        { return atomic.LoadInt64(&m.connections) }
func (m *DefaultMetrics) GetBackpressureEvents() int64 { return atomic.LoadInt64(&m.backpressureEvents) }
func (m *DefaultMetrics) GetDrainEvents() int64        { return atomic.LoadInt64(&m.drainEvents) }
func (m *DefaultMetrics) GetHandshakeFailures() int64  { return atomic.LoadInt64(&m.handshakeFailures) }

func (m *DefaultMetrics) Snapshot() TelemetrySnapshot {
	return TelemetrySnapshot{
		BytesIn:            m.GetBytesIn(),
		BytesOut:           m.GetBytesOut(),
		Connections:        m.GetConnections(),
		BackpressureEvents: m.GetBackpressureEvents(),
		DrainEvents:        m.GetDrainEvents(),
		HandshakeFailures:  m.GetHandshakeFailures(),
	}
}
