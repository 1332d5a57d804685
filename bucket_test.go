package qwormhole

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTokenBucketReserveWithinBurstIsImmediate(t *testing.T) {
	b := NewTokenBucket(100, 100)
	wait := b.Reserve(100)
	assert.Zero(t, wait)
}

func TestTokenBucketReserveAtExactlyBurstBoundary(t *testing.T) {
	b := NewTokenBucket(100, 100)
	assert.Zero(t, b.Reserve(100), "reserving exactly burst_bytes should succeed with no wait")
}

func TestTokenBucketReserveBeyondBurstWaits(t *testing.T) {
	b := NewTokenBucket(100, 100)
	wait := b.Reserve(101)
	assert.Greater(t, wait, time.Duration(0), "reserving one byte over burst must incur a positive wait, not fail")
}

func TestTokenBucketReserveNeverHardFails(t *testing.T) {
	b := NewTokenBucket(10, 10)
	// Reserve far more than burst; spec.md's closed-form reserve(n) must
	// still return a (large) wait rather than erroring, unlike
	// x/time/rate.Limiter.ReserveN which refuses n > burst outright.
	wait := b.Reserve(10_000)
	assert.Greater(t, wait, time.Duration(0))
}

func TestTokenBucketRefillsOverTime(t *testing.T) {
	fakeNow := time.Now()
	b := NewTokenBucket(100, 100)
	b.now = func() time.Time { return fakeNow }

	assert.Zero(t, b.Reserve(100)) // drain the bucket
	fakeNow = fakeNow.Add(500 * time.Millisecond)
	// 500ms at 100 bytes/sec refills 50 tokens.
	wait := b.Reserve(50)
	assert.Zero(t, wait)
}

func TestTokenBucketSetRateClampsTokensToNewBurst(t *testing.T) {
	b := NewTokenBucket(100, 100)
	b.SetRate(50, 20)
	assert.Zero(t, b.Reserve(20))
}
