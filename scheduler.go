package qwormhole

import (
	"runtime"
	"runtime/metrics"
	"sync"
	"time"
)

// SchedulerTelemetry is the abstraction the adaptive flow controller
// samples for event-loop idleness and GC pause time (spec.md §9).
// Implementations without a GC can return 0 for GC pause and approximate
// idle ratio from their own runtime's scheduler stats — the controller
// treats both as advisory.
type SchedulerTelemetry interface {
	IdleRatio() float64
	GCPauseMaxMs() float64
}

// idleTargetLatency is the scheduling latency treated as "fully busy"
// (idle ratio 0) when normalizing the /sched/latencies:seconds sample.
const idleTargetLatency = 10 * time.Millisecond

// RuntimeTelemetry implements SchedulerTelemetry on top of the Go
// runtime alone. No pack repo exposes scheduler/GC introspection through
// a third-party library, so this is a stdlib-justified default (see
// DESIGN.md): idle ratio is derived from runtime/metrics'
// "/sched/latencies:seconds" histogram (the stdlib's own measure of
// goroutine scheduling delay, i.e. how saturated the runtime is), and GC
// pause from runtime.ReadMemStats.
type RuntimeTelemetry struct {
	mu           sync.Mutex
	lastNumGC    uint32
	lastPauseMax float64 // ms, decayed 0.9x per sample when no new GC occurred
	sample       []metrics.Sample
}

// NewRuntimeTelemetry returns a RuntimeTelemetry ready to sample.
func NewRuntimeTelemetry() *RuntimeTelemetry {
	t := &RuntimeTelemetry{
		sample: make([]metrics.Sample, 1),
	}
	t.sample[0].Name = "/sched/latencies:seconds"
	return t
}

// IdleRatio samples the scheduler latency histogram and normalizes its
// mean against idleTargetLatency, returning a value in [0,1] where
// higher means more idle.
func (t *RuntimeTelemetry) IdleRatio() float64 {
	metrics.Read(t.sample)
	if t.sample[0].Value.Kind() != metrics.KindFloat64Histogram {
		return 1
	}
	h := t.sample[0].Value.Float64Histogram()
	mean := histogramMean(h)
	ratio := 1 - mean.Seconds()/idleTargetLatency.Seconds()
	return clamp01(ratio)
}

// GCPauseMaxMs returns the max GC pause observed since the previous
// call, decayed 0.9x when no GC completed in the interval (spec.md
// §4.F: "decayed 0.9x each sample otherwise").
func (t *RuntimeTelemetry) GCPauseMaxMs() float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	t.mu.Lock()
	defer t.mu.Unlock()

	if ms.NumGC == t.lastNumGC {
		t.lastPauseMax *= 0.9
		return t.lastPauseMax
	}

	newGCs := ms.NumGC - t.lastNumGC
	n := uint32(len(ms.PauseNs))
	if newGCs > n {
		newGCs = n
	}
	maxPause := uint64(0)
	for i := uint32(0); i < newGCs; i++ {
		idx := (int(ms.NumGC) - 1 - int(i) + len(ms.PauseNs)) % len(ms.PauseNs)
		if ms.PauseNs[idx] > maxPause {
			maxPause = ms.PauseNs[idx]
		}
	}
	t.lastNumGC = ms.NumGC
	t.lastPauseMax = float64(maxPause) / float64(time.Millisecond)
	return t.lastPauseMax
}

func histogramMean(h *metrics.Float64Histogram) time.Duration {
	if h == nil || len(h.Counts) == 0 {
		return 0
	}
	var totalCount, weighted float64
	for i, c := range h.Counts {
		if c == 0 {
			continue
		}
		lo, hi := h.Buckets[i], h.Buckets[i+1]
		mid := lo
		if hi != lo && hi < 1e100 {
			mid = (lo + hi) / 2
		}
		weighted += mid * float64(c)
		totalCount += float64(c)
	}
	if totalCount == 0 {
		return 0
	}
	return time.Duration((weighted / totalCount) * float64(time.Second))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
