package qwormhole

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTelemetry struct {
	idle   float64
	gcPaus float64
}

func (f *fakeTelemetry) IdleRatio() float64    { return f.idle }
func (f *fakeTelemetry) GCPauseMaxMs() float64 { return f.gcPaus }

func newTestController(t *testing.T, flow FlowPolicy, telemetry SchedulerTelemetry, opts ...ControllerOption) (*SliceController, *Framer, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { server.Close(); client.Close() })

	ring := NewRing(64, 512)
	framer := NewFramer(ring, 1<<20, WithBatchSize(0))
	framer.AttachSocket(server)

	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := client.Read(buf); err != nil {
				return
			}
		}
	}()

	bucket := NewTokenBucket(1<<30, 1<<30)
	c := NewSliceController(flow, framer, bucket, telemetry, opts...)
	return c, framer, client
}

func TestClampIntCapWinsWhenMaxSliceUndercutsMinSlice(t *testing.T) {
	// Paranoia mode (nIndex<0.40, non-native peer): BatchSize=1, so
	// MaxSlice=1 while the constant MinSlice floor is 4. The max-slice
	// cap must win over the floor (spec.md §8 scenario 2).
	assert.Equal(t, 1, clampInt(0, 4, 1))
	assert.Equal(t, 1, clampInt(10, 4, 1))
	assert.Equal(t, 1, clampInt(1, 4, 1))
}

func TestClampIntOrdinaryRangeUnaffected(t *testing.T) {
	assert.Equal(t, 4, clampInt(0, 4, 64))
	assert.Equal(t, 64, clampInt(100, 4, 64))
	assert.Equal(t, 32, clampInt(32, 4, 64))
}

func TestNewSliceControllerParanoiaPeerStartsAtSliceOne(t *testing.T) {
	flow := DeriveFlowPolicy(EntropyMetrics{NegIndex: 0.1}, false)
	require.Equal(t, 1, flow.MaxSlice, "paranoia mode's batch size is 1")
	require.Greater(t, flow.MinSlice, flow.MaxSlice, "the constant min-slice floor exceeds paranoia's cap")

	c, _, _ := newTestController(t, flow, nil)
	assert.Equal(t, 1, c.SliceSize(), "a paranoia-mode connection must start at slice size 1, not the min-slice floor")
}

func TestOnBackpressureAndOnDrainRespectMaxSliceCapUnderParanoia(t *testing.T) {
	flow := DeriveFlowPolicy(EntropyMetrics{NegIndex: 0.1}, false)
	c, _, _ := newTestController(t, flow, nil)
	require.Equal(t, 1, c.SliceSize())

	c.OnBackpressure(10)
	assert.Equal(t, 1, c.SliceSize(), "backpressure must not lower a paranoia slice below 1")

	c.OnDrain()
	assert.Equal(t, 1, c.SliceSize(), "drain must not push a paranoia slice past its MaxSlice cap")
}

func TestNewSliceControllerPicksModeByNativeness(t *testing.T) {
	flowNative := DeriveFlowPolicy(EntropyMetrics{NegIndex: 0.9}, true)
	c, _, _ := newTestController(t, flowNative, nil)
	assert.Equal(t, AdaptiveAggressive, c.mode)

	flowForeign := DeriveFlowPolicy(EntropyMetrics{NegIndex: 0.9}, false)
	c2, _, _ := newTestController(t, flowForeign, nil)
	assert.Equal(t, AdaptiveGuarded, c2.mode)
}

func TestWithForcedSlicePinsSizeAndDisablesDrift(t *testing.T) {
	flow := DeriveFlowPolicy(EntropyMetrics{NegIndex: 0.9}, true)
	c, _, _ := newTestController(t, flow, nil, WithForcedSlice(7))
	require.Equal(t, 7, c.SliceSize())

	c.OnBackpressure(1000)
	assert.Equal(t, 7, c.SliceSize(), "a forced slice must not move on backpressure")

	c.OnDrain()
	assert.Equal(t, 7, c.SliceSize(), "a forced slice must not move on drain")
}

func TestOnBackpressureHalvesSliceAndOpensCooldown(t *testing.T) {
	flow := DeriveFlowPolicy(EntropyMetrics{NegIndex: 0.95}, true)
	events := make(chan ControllerEvent, 8)
	c, _, _ := newTestController(t, flow, nil, WithForcedSlice(0), WithControllerEvents(events))
	// WithForcedSlice(0) is a no-op (n>0 guard), so sliceSize stays at the
	// computed initial value.
	before := c.SliceSize()
	require.Greater(t, before, flow.MinSlice)

	c.OnBackpressure(4096)
	assert.Equal(t, clampInt(before/2, flow.MinSlice, flow.MaxSlice), c.SliceSize())
	assert.True(t, c.Diagnostics().Adaptive.CooldownActive)

	select {
	case ev := <-events:
		assert.Equal(t, EventCtlSliceDrift, ev.Type)
		assert.Equal(t, "backpressure", ev.Reason)
	default:
		t.Fatal("expected a slice_drift event on backpressure")
	}
}

func TestOnDrainIncreasesSliceUpToMax(t *testing.T) {
	flow := DeriveFlowPolicy(EntropyMetrics{NegIndex: 0.95}, true)
	c, _, _ := newTestController(t, flow, nil, WithForcedSlice(flow.MaxSlice))
	// force pins it, so reset state manually to exercise OnDrain unforced.
	c.mu.Lock()
	c.forced = false
	c.sliceSize = flow.MaxSlice - 1
	c.mu.Unlock()

	c.OnDrain()
	assert.Equal(t, flow.MaxSlice, c.SliceSize())

	c.OnDrain()
	assert.Equal(t, flow.MaxSlice, c.SliceSize(), "drain must not push the slice past MaxSlice")
}

func TestAdaptAggressiveSnapsToTargetWhenTelemetryIsGood(t *testing.T) {
	flow := DeriveFlowPolicy(EntropyMetrics{NegIndex: 0.95}, true)
	telemetry := &fakeTelemetry{idle: 0.9, gcPaus: 0.1}
	c, _, _ := newTestController(t, flow, telemetry, WithAdaptiveMode(AdaptiveAggressive), WithAdaptEvery(1), WithSampleEvery(1))

	before := c.SliceSize()
	c.sampleTelemetry()
	c.adapt()
	assert.Greater(t, c.SliceSize(), before, "good telemetry under aggressive mode should drift the slice up immediately")
}

func TestAdaptGuardedMovesPartiallyTowardTarget(t *testing.T) {
	flow := DeriveFlowPolicy(EntropyMetrics{NegIndex: 0.95}, true)
	telemetry := &fakeTelemetry{idle: 0.9, gcPaus: 0.1}
	c, _, _ := newTestController(t, flow, telemetry, WithAdaptiveMode(AdaptiveGuarded), WithAdaptEvery(1), WithSampleEvery(1))

	before := c.SliceSize()
	c.sampleTelemetry()
	c.adapt()
	after := c.SliceSize()
	assert.Greater(t, after, before)
	assert.Less(t, after, flow.MaxSlice, "guarded mode should lerp partway, not snap straight to MaxSlice")
}

func TestAdaptForcedIsANoOp(t *testing.T) {
	flow := DeriveFlowPolicy(EntropyMetrics{NegIndex: 0.95}, true)
	telemetry := &fakeTelemetry{idle: 0.9, gcPaus: 0.1}
	c, _, _ := newTestController(t, flow, telemetry, WithForcedSlice(5), WithAdaptEvery(1), WithSampleEvery(1))

	c.sampleTelemetry()
	c.adapt()
	assert.Equal(t, 5, c.SliceSize())
}

func TestAdaptDuringCooldownDropsToMinSlice(t *testing.T) {
	flow := DeriveFlowPolicy(EntropyMetrics{NegIndex: 0.95}, true)
	fakeNow := time.Now()
	c, _, _ := newTestController(t, flow, &fakeTelemetry{idle: 0.9}, WithAdaptiveMode(AdaptiveAggressive), WithClock(func() time.Time { return fakeNow }, func(time.Duration) {}))

	c.mu.Lock()
	c.cooldownUntil = fakeNow.Add(time.Second)
	c.mu.Unlock()

	c.adapt()
	assert.Equal(t, flow.MinSlice, c.SliceSize())
}

func TestEnqueueAndScheduleFlushEmitsFlushEvent(t *testing.T) {
	flow := DeriveFlowPolicy(EntropyMetrics{NegIndex: 0.95}, true)
	events := make(chan ControllerEvent, 8)
	c, _, _ := newTestController(t, flow, nil, WithForcedSlice(1), WithControllerEvents(events))

	require.NoError(t, c.Enqueue([]byte("payload")))

	select {
	case ev := <-events:
		assert.Equal(t, EventCtlFlush, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("expected a flush event after reaching the forced slice size")
	}
}

func TestDetachTransitionsStateAndDropsPendingFrames(t *testing.T) {
	flow := DeriveFlowPolicy(EntropyMetrics{NegIndex: 0.95}, true)
	c, framer, _ := newTestController(t, flow, nil, WithForcedSlice(100))

	require.NoError(t, framer.EncodeToBatch([]byte("pending")))
	c.Detach()

	assert.Equal(t, StateDetached, c.Diagnostics().State)
	assert.False(t, framer.CanFlush())
	assert.Equal(t, 0, framer.Snapshot(false).PendingFrames)
}

func TestDiagnosticsReportsHistoryAndFramerStats(t *testing.T) {
	flow := DeriveFlowPolicy(EntropyMetrics{NegIndex: 0.95}, true)
	c, _, _ := newTestController(t, flow, nil, WithForcedSlice(1))

	require.NoError(t, c.Enqueue([]byte("a")))
	require.NoError(t, c.Enqueue([]byte("b")))

	diag := c.Diagnostics()
	assert.NotEmpty(t, diag.History)
	assert.GreaterOrEqual(t, diag.Framer.TotalFlushes, uint64(2))
}
