package qwormhole

import (
	"net"
	"sync"
	"time"
)

// FramerEventType classifies a FramerEvent.
type FramerEventType int

const (
	EventFlush FramerEventType = iota
	EventBackpressure
	EventDrain
)

// FramerEvent is telemetry pushed down the Framer's single-producer
// channel (spec.md §9: "give the controller a typed handle to the
// framer... push telemetry down a single-producer channel").
type FramerEvent struct {
	Type        FramerEventType
	BufferCount int
	TotalBytes  int
	QueuedBytes int
}

// FramerStats is the counter snapshot returned by Framer.Snapshot.
type FramerStats struct {
	TotalFrames           uint64
	TotalFlushes          uint64
	TotalBytes            uint64
	BackpressureEvents    uint64
	LastFlushAt           time.Time
	LastBackpressureBytes int
	LastBackpressureAt    time.Time
	PendingFrames         int
	PendingBytes          int
}

type batchSlot struct {
	index int // -1 for a transient heap buffer that never occupied a ring index
	buf   []byte
}

type frameBatch struct {
	slots  []batchSlot
	frames int
	bytes  int
}

// DefaultWriteProbe is the write deadline used to detect backpressure: if
// a scatter-gather write to the peer hasn't fully drained within this
// window, the remaining bytes are reported as queued and the flush
// switches to a blocking wait for the drain.
const DefaultWriteProbe = 50 * time.Millisecond

// FramerOption configures a Framer at construction.
type FramerOption func(*Framer)

// WithBatchSize sets the frame-count ceiling that triggers an immediate
// flush from within EncodeToBatch, independent of any outer controller.
func WithBatchSize(n int) FramerOption {
	return func(f *Framer) { f.batchSize = n }
}

// WithFlushInterval arms a once-only flush timer after the first frame
// lands in an otherwise-untriggered batch.
func WithFlushInterval(d time.Duration) FramerOption {
	return func(f *Framer) { f.flushInterval = d }
}

// WithWritev enables scatter-gather writes via net.Buffers when a flush
// has two or more pending buffers.
func WithWritev(enabled bool) FramerOption {
	return func(f *Framer) { f.writevEnabled = enabled }
}

// WithWriteProbe overrides DefaultWriteProbe.
func WithWriteProbe(d time.Duration) FramerOption {
	return func(f *Framer) { f.writeProbe = d }
}

// WithOnMessage sets the callback invoked for every frame the embedded
// decoder emits from Push.
func WithOnMessage(fn func(payload []byte) error) FramerOption {
	return func(f *Framer) { f.onMessage = fn }
}

// WithEvents sets the channel flush/backpressure/drain events are sent
// on. Sends are non-blocking: a full channel drops the event rather than
// stalling the I/O path, since this telemetry is advisory.
func WithEvents(ch chan FramerEvent) FramerOption {
	return func(f *Framer) { f.events = ch }
}

// Framer is the ring-buffered batch framer (spec.md §4.B): it encodes
// payloads into ring slots, batches them, and flushes via a
// scatter-gather write, reporting backpressure/drain telemetry.
type Framer struct {
	mu   sync.Mutex
	ring *Ring
	conn net.Conn

	maxFrameLength uint32
	batchSize      int
	flushInterval  time.Duration
	writevEnabled  bool
	writeProbe     time.Duration

	decoder   *Decoder
	onMessage func(payload []byte) error
	events    chan FramerEvent

	batch       frameBatch
	draining    bool
	torn        bool
	flushTimer  *time.Timer
	timerArmed  bool

	totalFrames           uint64
	totalFlushes          uint64
	totalBytes            uint64
	backpressureEvents    uint64
	lastFlushAt           time.Time
	lastBackpressureBytes int
	lastBackpressureAt    time.Time
}

// NewFramer builds a Framer over ring, decoding inbound frames up to
// maxFrameLength.
func NewFramer(ring *Ring, maxFrameLength uint32, opts ...FramerOption) *Framer {
	f := &Framer{
		ring:           ring,
		maxFrameLength: maxFrameLength,
		decoder:        NewDecoder(maxFrameLength),
		writevEnabled:  true,
		writeProbe:     DefaultWriteProbe,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// SetOnMessage installs (or replaces) the inbound frame callback after
// construction, so a Connection can close over itself when wiring a
// Framer built by newConnection.
func (f *Framer) SetOnMessage(fn func(payload []byte) error) {
	f.mu.Lock()
	f.onMessage = fn
	f.mu.Unlock()
}

// SetEvents installs (or replaces) the flush/backpressure/drain events
// channel after construction.
func (f *Framer) SetEvents(ch chan FramerEvent) {
	f.mu.Lock()
	f.events = ch
	f.mu.Unlock()
}

// SetBatchSize installs the frame-count ceiling that triggers an
// immediate flush from EncodeToBatch, once a handshake's policy makes
// one known (a Framer is built before that, so WithBatchSize at
// construction never applies to a wired connection).
func (f *Framer) SetBatchSize(n int) {
	f.mu.Lock()
	f.batchSize = n
	f.mu.Unlock()
}

// AttachSocket installs the socket a flush writes to.
func (f *Framer) AttachSocket(conn net.Conn) {
	f.mu.Lock()
	f.conn = conn
	f.torn = false
	f.mu.Unlock()
}

// DetachSocket removes the socket. Any in-flight batch is dropped
// silently and its slots released (spec.md §4.B failure semantics: "a
// socket disappearing mid-batch releases slots and drops the in-flight
// batch silently").
func (f *Framer) DetachSocket() {
	f.mu.Lock()
	f.conn = nil
	f.torn = true
	current := f.batch
	f.batch = frameBatch{}
	f.cancelFlushTimerLocked()
	f.mu.Unlock()
	for _, s := range current.slots {
		f.ring.Release(s.index)
	}
}

// CanFlush reports whether the framer has a live socket.
func (f *Framer) CanFlush() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conn != nil && !f.torn
}

// Encode writes payload into a free ring slot (or a transient heap
// buffer if the ring is exhausted) and returns the framed buffer and its
// slot index (-1 for transient). It does not add the frame to a batch.
func (f *Framer) Encode(payload []byte) ([]byte, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.encodeLocked(payload)
}

func (f *Framer) encodeLocked(payload []byte) ([]byte, int, error) {
	need := FrameHeaderSize + len(payload)
	buf, index, ok := f.ring.Acquire(need)
	if !ok {
		buf = make([]byte, 0, need)
		index = -1
	}
	buf = AppendFrame(buf, payload)
	if index >= 0 {
		f.ring.Commit(index, buf)
	}
	return buf, index, nil
}

// EncodeToBatch encodes payload and appends it to the pending batch. If
// the batch has reached batchSize it flushes immediately; otherwise, if
// no flush timer is armed and a flush interval is configured, it arms
// one.
func (f *Framer) EncodeToBatch(payload []byte) error {
	f.mu.Lock()
	buf, index, err := f.encodeLocked(payload)
	if err != nil {
		f.mu.Unlock()
		return err
	}
	f.batch.slots = append(f.batch.slots, batchSlot{index: index, buf: buf})
	f.batch.frames++
	f.batch.bytes += len(buf)
	f.totalFrames++
	pending := f.batch.frames
	batchSize := f.batchSize
	f.mu.Unlock()

	if batchSize > 0 && pending >= batchSize {
		f.mu.Lock()
		f.cancelFlushTimerLocked()
		f.mu.Unlock()
		return f.FlushBatch()
	}

	f.mu.Lock()
	f.armFlushTimerLocked()
	f.mu.Unlock()
	return nil
}

func (f *Framer) armFlushTimerLocked() {
	if f.flushInterval <= 0 || f.timerArmed {
		return
	}
	f.timerArmed = true
	f.flushTimer = time.AfterFunc(f.flushInterval, func() {
		f.mu.Lock()
		f.timerArmed = false
		f.mu.Unlock()
		_ = f.FlushBatch()
	})
}

func (f *Framer) cancelFlushTimerLocked() {
	if f.flushTimer != nil {
		f.flushTimer.Stop()
		f.flushTimer = nil
	}
	f.timerArmed = false
}

// FlushBatch detaches the pending batch and writes it to the socket. A
// no-op if the batch is empty, there is no socket, the framer is torn
// down, or a flush is already draining. Ring slots belonging to the
// batch are released on every exit path.
func (f *Framer) FlushBatch() error {
	f.mu.Lock()
	if len(f.batch.slots) == 0 || f.conn == nil || f.torn || f.draining {
		f.mu.Unlock()
		return nil
	}
	current := f.batch
	f.batch = frameBatch{}
	f.cancelFlushTimerLocked()
	conn := f.conn
	f.mu.Unlock()

	f.emit(FramerEvent{Type: EventFlush, BufferCount: len(current.slots), TotalBytes: current.bytes})

	bufs := make(net.Buffers, len(current.slots))
	for i, s := range current.slots {
		bufs[i] = s.buf
	}

	err := f.writeBuffers(conn, bufs)

	for _, s := range current.slots {
		f.ring.Release(s.index)
	}

	f.mu.Lock()
	if err == nil {
		f.totalFlushes++
		f.totalBytes += uint64(current.bytes)
		f.lastFlushAt = time.Now()
	}
	f.mu.Unlock()
	return err
}

// writeBuffers performs the scatter-gather write, probing for
// backpressure with a short deadline and, if the peer isn't draining,
// falling back to a blocking write while reporting the queued byte
// count. Behavior visible to the peer is identical whether this or a
// cork/uncork sequence is used (spec.md §9).
func (f *Framer) writeBuffers(conn net.Conn, bufs net.Buffers) error {
	if !f.writevEnabled || len(bufs) < 2 {
		combined := make([]byte, 0, buffersLen(bufs))
		for _, b := range bufs {
			combined = append(combined, b...)
		}
		bufs = net.Buffers{combined}
	}

	if f.writeProbe > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(f.writeProbe))
	}
	_, err := bufs.WriteTo(conn)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			remaining := buffersLen(bufs)
			f.setDraining(true)
			f.recordBackpressure(remaining)
			f.emit(FramerEvent{Type: EventBackpressure, QueuedBytes: remaining})

			_ = conn.SetWriteDeadline(time.Time{})
			_, err = bufs.WriteTo(conn)
			f.setDraining(false)
			if err == nil {
				f.emit(FramerEvent{Type: EventDrain})
			}
		}
	}
	if f.writeProbe > 0 {
		_ = conn.SetWriteDeadline(time.Time{})
	}
	return err
}

func buffersLen(bufs net.Buffers) int {
	n := 0
	for _, b := range bufs {
		n += len(b)
	}
	return n
}

func (f *Framer) setDraining(v bool) {
	f.mu.Lock()
	f.draining = v
	f.mu.Unlock()
}

func (f *Framer) recordBackpressure(n int) {
	f.mu.Lock()
	f.backpressureEvents++
	f.lastBackpressureBytes = n
	f.lastBackpressureAt = time.Now()
	f.mu.Unlock()
}

func (f *Framer) emit(ev FramerEvent) {
	if f.events == nil {
		return
	}
	select {
	case f.events <- ev:
	default:
	}
}

// Push feeds an inbound chunk through the embedded decoder, invoking the
// configured onMessage callback for every frame it yields.
func (f *Framer) Push(chunk []byte) error {
	f.mu.Lock()
	dec := f.decoder
	onMessage := f.onMessage
	f.mu.Unlock()
	if dec == nil {
		return nil
	}
	return dec.Feed(chunk, func(payload []byte) error {
		if onMessage != nil {
			return onMessage(payload)
		}
		return nil
	})
}

// Reset drops any pending outbound batch (releasing its slots) and
// resets the inbound decoder. The socket, if any, stays attached.
func (f *Framer) Reset() {
	f.mu.Lock()
	current := f.batch
	f.batch = frameBatch{}
	f.cancelFlushTimerLocked()
	if f.decoder != nil {
		f.decoder.Reset()
	}
	f.mu.Unlock()
	for _, s := range current.slots {
		f.ring.Release(s.index)
	}
}

// Snapshot returns the current counters and pending-batch size,
// optionally zeroing the cumulative counters (not the pending figures,
// which reflect live state).
func (f *Framer) Snapshot(reset bool) FramerStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := FramerStats{
		TotalFrames:           f.totalFrames,
		TotalFlushes:          f.totalFlushes,
		TotalBytes:            f.totalBytes,
		BackpressureEvents:    f.backpressureEvents,
		LastFlushAt:           f.lastFlushAt,
		LastBackpressureBytes: f.lastBackpressureBytes,
		LastBackpressureAt:    f.lastBackpressureAt,
		PendingFrames:         f.batch.frames,
		PendingBytes:          f.batch.bytes,
	}
	if reset {
		f.totalFrames = 0
		f.totalFlushes = 0
		f.totalBytes = 0
		f.backpressureEvents = 0
	}
	return stats
}
