// Package sysload implements qwormhole.SchedulerTelemetry by blending
// the Go runtime's own scheduler-latency signal with host-level CPU
// load, grounded on nishisan-dev-n-backup/internal/agent's
// SystemMonitor (periodic gopsutil sampling into a cached snapshot read
// under a mutex) and github.com/shirou/gopsutil/v3/cpu's Percent call.
package sysload

import (
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"

	qwormhole "github.com/qwormhole/qwormhole"
)

// Telemetry samples host CPU load on an interval and blends it with an
// inner qwormhole.SchedulerTelemetry (normally qwormhole.RuntimeTelemetry)
// so the adaptive flow controller's idle-ratio signal reflects
// contention from neighboring processes, not just this process's own
// goroutine scheduling.
type Telemetry struct {
	inner qwormhole.SchedulerTelemetry

	mu      sync.RWMutex
	hostIdle float64

	stop chan struct{}
	wg   sync.WaitGroup
}

var _ qwormhole.SchedulerTelemetry = (*Telemetry)(nil)

// New builds a Telemetry wrapping inner and starts sampling host CPU
// load every interval (15s if interval <= 0, matching the teacher's
// SystemMonitor cadence).
func New(inner qwormhole.SchedulerTelemetry, interval time.Duration) *Telemetry {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	t := &Telemetry{inner: inner, hostIdle: 1, stop: make(chan struct{})}
	t.wg.Add(1)
	go t.run(interval)
	return t
}

func (t *Telemetry) run(interval time.Duration) {
	defer t.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	t.sample()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.sample()
		}
	}
}

func (t *Telemetry) sample() {
	pct, err := cpu.Percent(0, false)
	if err != nil || len(pct) == 0 {
		return
	}
	idle := 1 - pct[0]/100
	if idle < 0 {
		idle = 0
	}
	t.mu.Lock()
	t.hostIdle = idle
	t.mu.Unlock()
}

// Close stops the background sampler.
func (t *Telemetry) Close() {
	close(t.stop)
	t.wg.Wait()
}

// IdleRatio returns the lesser of the inner telemetry's idle ratio and
// the host's measured CPU idle fraction, so a busy neighbor process
// throttles slice growth the same way this process's own scheduler
// pressure does.
func (t *Telemetry) IdleRatio() float64 {
	inner := t.inner.IdleRatio()
	t.mu.RLock()
	host := t.hostIdle
	t.mu.RUnlock()
	if host < inner {
		return host
	}
	return inner
}

// GCPauseMaxMs delegates to the inner telemetry; host CPU load carries
// no GC pause signal of its own.
func (t *Telemetry) GCPauseMaxMs() float64 { return t.inner.GCPauseMaxMs() }
