package qwormhole

import (
	"math"
	"sync"
	"time"
)

// TokenBucket rate-limits bytes/sec with burst (spec.md §4.C).
//
// golang.org/x/time/rate.Limiter.ReserveN was the first thing tried here
// (see nishisan-dev-n-backup/internal/agent/throttle.go's
// ThrottledWriter), but Reservation.OK() hard-fails whenever n exceeds
// the burst size, whereas spec.md requires reserve(n) to succeed for any
// n after a proportional wait with the bucket left at zero. That's a
// different contract, so this is the closed-form formula from spec.md
// §4.C directly. x/time/rate is still wired — see internal/azstore's
// archival sinks, which throttle bandwidth the same way
// ThrottledWriter does.
type TokenBucket struct {
	mu sync.Mutex

	rateBytesPerSec float64
	burstBytes      float64
	tokens          float64
	lastRefill      time.Time

	now func() time.Time
}

// NewTokenBucket creates a bucket with the given refill rate and burst
// capacity. A burstBytes of 0 selects rateBytesPerSec. The bucket starts
// full.
func NewTokenBucket(rateBytesPerSec, burstBytes float64) *TokenBucket {
	if rateBytesPerSec < 1 {
		rateBytesPerSec = 1
	}
	if burstBytes <= 0 {
		burstBytes = rateBytesPerSec
	}
	return &TokenBucket{
		rateBytesPerSec: rateBytesPerSec,
		burstBytes:      burstBytes,
		tokens:          burstBytes,
		lastRefill:      time.Now(),
		now:             time.Now,
	}
}

// Reserve refills tokens by elapsed·rate capped at burst, then either
// debits n and returns a zero wait, or zeroes the bucket and returns the
// wait needed before n bytes would notionally be available.
func (b *TokenBucket) Reserve(n int) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(b.burstBytes, b.tokens+elapsed*b.rateBytesPerSec)
		b.lastRefill = now
	}

	need := float64(n)
	if b.tokens >= need {
		b.tokens -= need
		return 0
	}

	deficit := need - b.tokens
	waitMs := math.Ceil(deficit * 1000 / b.rateBytesPerSec)
	b.tokens = 0
	return time.Duration(waitMs) * time.Millisecond
}

// SetRate updates the refill rate and, if burstBytes > 0, the burst
// capacity. Used when a handshake re-derives the session flow policy.
func (b *TokenBucket) SetRate(rateBytesPerSec, burstBytes float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if rateBytesPerSec >= 1 {
		b.rateBytesPerSec = rateBytesPerSec
	}
	if burstBytes > 0 {
		b.burstBytes = burstBytes
		b.tokens = math.Min(b.tokens, burstBytes)
	}
}
