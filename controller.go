package qwormhole

import (
	"sync"
	"time"
)

// AdaptiveMode selects how the controller reacts to telemetry samples
// (spec.md §4.F).
type AdaptiveMode string

const (
	AdaptiveOff        AdaptiveMode = "off"
	AdaptiveGuarded     AdaptiveMode = "guarded"
	AdaptiveAggressive AdaptiveMode = "aggressive"
)

// ConnState is the per-connection state machine (spec.md §4.F).
type ConnState int

const (
	StateIdle ConnState = iota
	StateBatching
	StateFlushing
	StateDetached
)

// ControllerEventType classifies a ControllerEvent.
type ControllerEventType int

const (
	EventCtlFlush ControllerEventType = iota
	EventCtlSliceDrift
)

// ControllerEvent is telemetry emitted by the SliceController.
type ControllerEvent struct {
	Type      ControllerEventType
	SliceSize int
	Bytes     int
	DelayMs   int64
	Reason    string // "backpressure" | "drain" | "adaptive", for EventCtlSliceDrift
}

const (
	defaultSampleEvery     = 64
	defaultAdaptEvery      = 64
	defaultDriftStep       = 2
	defaultIdleTarget      = 0.20
	defaultGCBudgetMs      = 4.0
	defaultCooldownWindow  = 2 * time.Second
	defaultLerpFactor      = 0.25
	historySize            = 100
)

// AdaptiveTelemetry is the sampled-state block surfaced in Diagnostics.
type AdaptiveTelemetry struct {
	IdleRatioEWMA     float64
	GCPauseMaxMs      float64
	BackpressureCount int
	CooldownActive    bool
}

// Diagnostics is the controller's reportable state (spec.md §4.F).
type Diagnostics struct {
	SliceSize     int
	Forced        bool
	EffectiveRate float64
	Framer        FramerStats
	History       []int
	Adaptive      AdaptiveTelemetry
	State         ConnState
}

// ControllerOption configures a SliceController at construction.
type ControllerOption func(*SliceController)

// WithForcedSlice pins the slice size and disables drift (spec.md §4.F:
// "A forced slice... pins slice_size and disables drift").
func WithForcedSlice(n int) ControllerOption {
	return func(c *SliceController) {
		if n > 0 {
			c.sliceSize = n
			c.forced = true
		}
	}
}

// WithForcedRate pins the token bucket's rate, bypassing policy-derived
// scaling.
func WithForcedRate(bytesPerSec float64) ControllerOption {
	return func(c *SliceController) {
		if c.bucket != nil && bytesPerSec > 0 {
			c.bucket.SetRate(bytesPerSec, 0)
		}
	}
}

// WithAdaptiveMode overrides the default (aggressive for native peers,
// guarded otherwise).
func WithAdaptiveMode(m AdaptiveMode) ControllerOption {
	return func(c *SliceController) { c.mode = m }
}

// WithControllerEvents sets the channel slice_drift/flush events are
// sent on (non-blocking send, advisory).
func WithControllerEvents(ch chan ControllerEvent) ControllerOption {
	return func(c *SliceController) { c.events = ch }
}

// WithSampleEvery/WithAdaptEvery override the default 64-flush cadence.
func WithSampleEvery(n int) ControllerOption {
	return func(c *SliceController) {
		if n > 0 {
			c.sampleEvery = n
		}
	}
}

func WithAdaptEvery(n int) ControllerOption {
	return func(c *SliceController) {
		if n > 0 {
			c.adaptEvery = n
		}
	}
}

// WithClock overrides time.Now/time.Sleep for deterministic tests.
func WithClock(now func() time.Time, sleep func(time.Duration)) ControllerOption {
	return func(c *SliceController) {
		if now != nil {
			c.now = now
		}
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

// SliceController is the adaptive flow controller (spec.md §4.F): it
// holds the current slice size, drives the framer, and reacts to
// backpressure/drain and event-loop idle/GC-pause telemetry by drifting
// the slice up or down.
type SliceController struct {
	mu sync.Mutex

	framer    *Framer
	bucket    *TokenBucket
	telemetry SchedulerTelemetry
	flow      FlowPolicy

	sliceSize int
	forced    bool
	mode      AdaptiveMode
	driftStep int

	flushing       bool
	pendingReflush bool
	state          ConnState

	sampleEvery int
	adaptEvery  int
	flushCount  int

	idleRatioEWMA     float64
	gcPauseMax        float64
	cooldownUntil     time.Time
	backpressureCount int

	history    []int
	historyPos int

	events chan ControllerEvent

	now   func() time.Time
	sleep func(time.Duration)
}

// NewSliceController builds a controller bound to framer/bucket/
// telemetry, with its initial slice size and default adaptive mode
// derived from flow (spec.md §4.F initial state & "default on for
// native peers... off for others").
func NewSliceController(flow FlowPolicy, framer *Framer, bucket *TokenBucket, telemetry SchedulerTelemetry, opts ...ControllerOption) *SliceController {
	initial := clampInt(flow.PreferredBatchSize/2, flow.MinSlice, flow.MaxSlice)
	mode := AdaptiveGuarded
	if flow.PeerIsNative {
		mode = AdaptiveAggressive
	}
	c := &SliceController{
		framer:      framer,
		bucket:      bucket,
		telemetry:   telemetry,
		flow:        flow,
		sliceSize:   initial,
		mode:        mode,
		driftStep:   defaultDriftStep,
		sampleEvery: defaultSampleEvery,
		adaptEvery:  defaultAdaptEvery,
		history:     make([]int, 0, historySize),
		now:         time.Now,
		sleep:       time.Sleep,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// clampInt clamps v to [lo, hi], floor first then cap. When hi < lo (a
// policy's max slice undercuts the constant min slice, e.g. paranoia
// mode), the cap wins: the floor raises v to lo first, then the cap
// brings it back down to hi.
func clampInt(v, lo, hi int) int {
	if v < lo {
		v = lo
	}
	if v > hi {
		return hi
	}
	return v
}

// SliceSize returns the current slice size.
func (c *SliceController) SliceSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sliceSize
}

// Enqueue encodes payload into the framer's batch and flushes if the
// slice threshold has been reached (spec.md §4.F Enqueue).
func (c *SliceController) Enqueue(payload []byte) error {
	if err := c.framer.EncodeToBatch(payload); err != nil {
		return err
	}
	return c.scheduleFlush(false)
}

// scheduleFlush implements spec.md §4.F's "schedule_flush(framer,
// force)": flushes are serialized, and a forced flush requested while
// one is already in flight is remembered and re-run when it ends.
func (c *SliceController) scheduleFlush(force bool) error {
	c.mu.Lock()
	pending := c.framer.Snapshot(false).PendingFrames
	sliceSize := c.sliceSize
	canFlush := c.framer.CanFlush()

	if !canFlush {
		c.mu.Unlock()
		return nil
	}
	if !force && pending < sliceSize {
		c.mu.Unlock()
		return nil
	}
	if c.flushing {
		if force {
			c.pendingReflush = true
		}
		c.mu.Unlock()
		return nil
	}
	c.flushing = true
	c.state = StateFlushing
	c.mu.Unlock()

	err := c.runFlush()

	c.mu.Lock()
	c.flushing = false
	reflush := c.pendingReflush
	c.pendingReflush = false
	if c.framer.Snapshot(false).PendingFrames > 0 {
		c.state = StateBatching
	} else {
		c.state = StateIdle
	}
	c.mu.Unlock()

	if reflush {
		return c.scheduleFlush(true)
	}
	return err
}

// runFlush performs the reserve-then-flush sequence and feeds post-flush
// telemetry.
func (c *SliceController) runFlush() error {
	stats := c.framer.Snapshot(false)
	pendingBytes := stats.PendingBytes

	var waitMs int64
	if c.bucket != nil && pendingBytes > 0 {
		wait := c.bucket.Reserve(pendingBytes)
		if wait > 0 {
			c.sleep(wait)
			waitMs = wait.Milliseconds()
		}
	}

	sliceSize := c.SliceSize()
	err := c.framer.FlushBatch()
	c.emit(ControllerEvent{Type: EventCtlFlush, SliceSize: sliceSize, Bytes: pendingBytes, DelayMs: waitMs})
	c.afterFlush()
	return err
}

// afterFlush advances the flush counter, pushes a slice-history sample,
// and runs the sample/adapt cadence (spec.md §4.F).
func (c *SliceController) afterFlush() {
	c.mu.Lock()
	c.flushCount++
	c.pushHistoryLocked(c.sliceSize)
	sample := c.flushCount%c.sampleEvery == 0
	adapt := c.flushCount%c.adaptEvery == 0
	c.mu.Unlock()

	if sample {
		c.sampleTelemetry()
	}
	if adapt {
		c.adapt()
	}
}

func (c *SliceController) pushHistoryLocked(v int) {
	if len(c.history) < historySize {
		c.history = append(c.history, v)
		return
	}
	c.history[c.historyPos] = v
	c.historyPos = (c.historyPos + 1) % historySize
}

// sampleTelemetry updates the idle-ratio EWMA (alpha=0.2) and GC pause
// sample from the SchedulerTelemetry source.
func (c *SliceController) sampleTelemetry() {
	if c.telemetry == nil {
		return
	}
	idle := c.telemetry.IdleRatio()
	gc := c.telemetry.GCPauseMaxMs()

	c.mu.Lock()
	if c.idleRatioEWMA == 0 {
		c.idleRatioEWMA = idle
	} else {
		c.idleRatioEWMA = 0.2*idle + 0.8*c.idleRatioEWMA
	}
	c.gcPauseMax = gc
	c.mu.Unlock()
}

// adapt decides a new slice target from the sampled telemetry and moves
// toward it per the configured AdaptiveMode (spec.md §4.F).
func (c *SliceController) adapt() {
	c.mu.Lock()
	if c.forced || c.mode == AdaptiveOff {
		c.mu.Unlock()
		return
	}

	now := c.now()
	cooldownActive := now.Before(c.cooldownUntil)
	good := c.idleRatioEWMA >= defaultIdleTarget && c.gcPauseMax <= defaultGCBudgetMs && !cooldownActive && c.backpressureCount == 0

	current := c.sliceSize
	target := current

	switch {
	case cooldownActive:
		target = c.flow.MinSlice
	case good:
		step := c.driftStep
		switch {
		case c.flow.NIndex >= 0.9:
			step = max(step, c.flow.MaxSlice/3)
		case c.flow.NIndex >= 0.85 || c.flow.PeerIsNative:
			step = max(step, c.flow.MaxSlice/4)
		}
		target = current + step
	default:
		step := c.driftStep
		if c.gcPauseMax > 1.5*defaultGCBudgetMs {
			step *= 2
		}
		target = current - step
	}
	target = clampInt(target, c.flow.MinSlice, c.flow.MaxSlice)

	newSize := current
	switch c.mode {
	case AdaptiveAggressive:
		newSize = target
	case AdaptiveGuarded:
		newSize = current + int(float64(target-current)*defaultLerpFactor)
		newSize = clampInt(newSize, c.flow.MinSlice, c.flow.MaxSlice)
	}

	c.backpressureCount = 0
	changed := newSize != current
	if changed {
		c.sliceSize = newSize
	}
	c.mu.Unlock()

	if changed {
		c.emit(ControllerEvent{Type: EventCtlSliceDrift, SliceSize: newSize, Reason: "adaptive"})
	}
}

// OnBackpressure reacts to the framer reporting backpressure: it halves
// the slice (unless forced) and opens a cooldown window.
func (c *SliceController) OnBackpressure(queuedBytes int) {
	c.mu.Lock()
	c.backpressureCount++
	c.cooldownUntil = c.now().Add(defaultCooldownWindow)
	if c.forced {
		c.mu.Unlock()
		return
	}
	old := c.sliceSize
	next := clampInt(old/2, c.flow.MinSlice, c.flow.MaxSlice)
	changed := next != old
	c.sliceSize = next
	c.mu.Unlock()

	if changed {
		c.emit(ControllerEvent{Type: EventCtlSliceDrift, SliceSize: next, Reason: "backpressure"})
	}
}

// OnDrain reacts to the framer draining: it adds the drift step to the
// slice (unless forced), clamped to the effective max.
func (c *SliceController) OnDrain() {
	c.mu.Lock()
	if c.forced {
		c.mu.Unlock()
		return
	}
	old := c.sliceSize
	next := clampInt(old+c.driftStep, c.flow.MinSlice, c.flow.MaxSlice)
	changed := next != old
	c.sliceSize = next
	c.mu.Unlock()

	if changed {
		c.emit(ControllerEvent{Type: EventCtlSliceDrift, SliceSize: next, Reason: "drain"})
	}
}

// Diagnostics reports the controller's current state (spec.md §4.F).
func (c *SliceController) Diagnostics() Diagnostics {
	c.mu.Lock()
	hist := make([]int, len(c.history))
	copy(hist, c.history)
	d := Diagnostics{
		SliceSize:     c.sliceSize,
		Forced:        c.forced,
		EffectiveRate: c.flow.RateBytesPerSec,
		History:       hist,
		State:         c.state,
		Adaptive: AdaptiveTelemetry{
			IdleRatioEWMA:     c.idleRatioEWMA,
			GCPauseMaxMs:      c.gcPauseMax,
			BackpressureCount: c.backpressureCount,
			CooldownActive:    c.now().Before(c.cooldownUntil),
		},
	}
	c.mu.Unlock()
	d.Framer = c.framer.Snapshot(false)
	return d
}

// Detach transitions the controller to Detached: pending frames are
// released via the framer, no further writes happen.
func (c *SliceController) Detach() {
	c.mu.Lock()
	c.state = StateDetached
	c.mu.Unlock()
	c.framer.DetachSocket()
}

func (c *SliceController) emit(ev ControllerEvent) {
	if c.events == nil {
		return
	}
	select {
	case c.events <- ev:
	default:
	}
}
