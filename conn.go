package qwormhole

import (
	"crypto/rand"
	"encoding/hex"
	"net"
	"sync"
	"time"
)

// CloseReason classifies why a connection ended (spec.md §4.H "Trust
// snapshot").
type CloseReason string

const (
	CloseReasonClose      CloseReason = "close"
	CloseReasonError      CloseReason = "error"
	CloseReasonDisconnect CloseReason = "disconnect"
)

// TrustSnapshot is the per-connection diagnostics payload delivered to
// the optional trust-snapshot sink exactly once per close (spec.md
// §4.H).
type TrustSnapshot struct {
	Direction         string
	Reason            CloseReason
	Timestamp         time.Time
	Remote            string
	PeerID            string
	HandshakeTags     map[string]any
	EntropyMetrics    EntropyMetrics
	PolicyTrustLevel  float64
	FlowDiagnostics   Diagnostics
	BatchStats        FramerStats
}

// newConnID returns a random 16-byte hex connection identifier, read
// from crypto/rand.
func newConnID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// Connection is the server- or client-side connection record from
// spec.md §3: created on accept/connect, mutated only by its own I/O
// goroutine, destroyed on close/error/shutdown. It owns its framer and
// controller exclusively (spec.md §3 "A connection owns its framer and
// controller exclusively").
type Connection struct {
	ID     string
	Socket net.Conn
	Remote string

	mu sync.Mutex

	Framer     *Framer
	Controller *SliceController
	Queue      *PriorityQueue
	Bucket     *TokenBucket

	HandshakePending          bool
	Backpressured             bool
	HandshakeMessageDelivered bool

	Handshake *HandshakeOutcome

	closeToken  int64
	snapshotted bool

	cfg     *Config
	metrics Metrics
}

// newConnection builds a Connection around an accepted or dialed
// net.Conn, wiring a Ring/Framer/priority queue per spec.md §4.H
// "Install handlers". A token bucket is created here only when a rate
// limit is configured. The controller is attached later by attachPolicy
// once a handshake policy is known; a connection that never completes a
// handshake has no controller and delivers straight through the framer.
func newConnection(socket net.Conn, cfg *Config) *Connection {
	ring := NewRing(DefaultRingSlots, DefaultRingSlotSize)
	framer := NewFramer(ring, cfg.MaxFrameLength)
	framer.AttachSocket(socket)

	c := &Connection{
		ID:               newConnID(),
		Socket:           socket,
		Remote:           socket.RemoteAddr().String(),
		Framer:           framer,
		Queue:            NewPriorityQueue(),
		HandshakePending: cfg.ProtocolVersion != "" || cfg.Verifier != nil,
		cfg:              cfg,
		metrics:          cfg.metrics,
	}
	if cfg.RateLimitBytesPerSec > 0 {
		c.Bucket = NewTokenBucket(cfg.RateLimitBytesPerSec, cfg.RateLimitBurstBytes)
	}
	return c
}

// attachPolicy installs a controller sized from a handshake outcome
// (spec.md §4.G "Attach": "recreate the flow controller with these
// metrics").
func (c *Connection) attachPolicy(outcome *HandshakeOutcome) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Handshake = outcome
	c.HandshakePending = false

	mode := c.cfg.AdaptiveMode
	if c.cfg.AdaptiveMode == AdaptiveGuarded && outcome.PeerIsNative {
		mode = AdaptiveAggressive
	}

	var bucket *TokenBucket
	if c.cfg.RateLimitBytesPerSec > 0 {
		bucket = c.Bucket
	} else if outcome.Flow.RateBytesPerSec > 0 {
		bucket = NewTokenBucket(outcome.Flow.RateBytesPerSec, outcome.Flow.BurstBudgetBytes)
	}
	c.Bucket = bucket
	c.Framer.SetBatchSize(outcome.Policy.BatchSize)

	telemetry := c.cfg.SchedulerTelemetry
	if telemetry == nil {
		telemetry = NewRuntimeTelemetry()
	}
	c.Controller = NewSliceController(outcome.Flow, c.Framer, c.Bucket, telemetry,
		WithForcedSlice(c.cfg.ForceSliceSize),
		WithForcedRate(c.cfg.ForceRateBytesPerSec),
		WithAdaptiveMode(mode),
	)
}

// bumpCloseToken increments and returns the connection's close token, so
// a stale async callback referencing an older token can detect it has
// been superseded (spec.md §4.I "Close classification").
func (c *Connection) bumpCloseToken() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeToken++
	return c.closeToken
}

// tryMarkSnapshotted reports whether this call is the first to claim the
// trust-snapshot slot for this connection's close, guaranteeing "exactly
// one snapshot per close event" (spec.md §4.H).
func (c *Connection) tryMarkSnapshotted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snapshotted {
		return false
	}
	c.snapshotted = true
	return true
}

// controller returns the currently attached controller, or nil before a
// handshake has completed (spec.md §4.G "Attach").
func (c *Connection) controller() *SliceController {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Controller
}

// remoteKey is the identifier used by the failed-handshake ledger
// (spec.md §3): the connection's remote address.
func (c *Connection) remoteKey() string { return c.Remote }

// Send enqueues an already-serialized payload for outbound delivery at
// the given priority, consulting the token bucket and delegating to the
// controller when present (spec.md §4.I "Send").
func (c *Connection) Send(payload []byte, priority int64) {
	c.Queue.Enqueue(payload, priority)
	c.drainQueue()
}

// drainQueue delivers queued payloads to the controller when one is
// attached, or directly to the framer otherwise. The token bucket is
// reserved in exactly one place: the controller reserves once per flush
// (over the whole pending batch) when it owns delivery, so drainQueue
// only reserves here for the no-controller path, where it's the sole
// throttle point.
func (c *Connection) drainQueue() {
	for {
		payload, ok := c.Queue.Dequeue()
		if !ok {
			return
		}
		c.mu.Lock()
		controller := c.Controller
		framer := c.Framer
		c.mu.Unlock()

		if controller != nil {
			controller.Enqueue(payload)
			continue
		}

		if c.Bucket != nil {
			if wait := c.Bucket.Reserve(len(payload) + FrameHeaderSize); wait > 0 {
				time.Sleep(wait)
			}
		}
		if framer != nil && framer.CanFlush() {
			framer.EncodeToBatch(payload)
			_ = framer.FlushBatch()
		}
	}
}

// snapshotNow builds a TrustSnapshot from the connection's current
// framer/controller stats (spec.md §4.H "Trust snapshot"), resetting
// both as it does so.
func (c *Connection) snapshotNow(direction string, reason CloseReason) TrustSnapshot {
	_ = c.Framer.FlushBatch()

	var diag Diagnostics
	c.mu.Lock()
	controller := c.Controller
	c.mu.Unlock()
	if controller != nil {
		diag = controller.Diagnostics()
	}

	batchStats := c.Framer.Snapshot(true)

	snap := TrustSnapshot{
		Direction:        direction,
		Reason:           reason,
		Timestamp:        time.Now(),
		Remote:           c.Remote,
		FlowDiagnostics:  diag,
		BatchStats:       batchStats,
	}
	if c.Handshake != nil {
		snap.HandshakeTags = c.Handshake.Payload.Tags
		snap.EntropyMetrics = c.Handshake.Metrics
		snap.PolicyTrustLevel = c.Handshake.Policy.TrustLevel
		snap.PeerID = c.Handshake.Payload.PublicKey
	}
	return snap
}

// Close tears down the connection's socket and releases its framer.
func (c *Connection) Close() error {
	c.mu.Lock()
	controller := c.Controller
	c.mu.Unlock()
	if controller != nil {
		controller.Detach()
	}
	c.Framer.DetachSocket()
	return c.Socket.Close()
}
