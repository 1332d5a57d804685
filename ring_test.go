package qwormhole

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingAcquireRelease(t *testing.T) {
	r := NewRing(4, 16)
	assert.Equal(t, 4, r.Len())
	assert.Equal(t, 0, r.InUseCount())

	buf, idx, ok := r.Acquire(8)
	require.True(t, ok)
	assert.GreaterOrEqual(t, idx, 0)
	assert.Equal(t, 1, r.InUseCount())

	r.Commit(idx, append(buf, "hi"...))
	r.Release(idx)
	assert.Equal(t, 0, r.InUseCount())
}

func TestRingExhaustionReturnsTransientSentinel(t *testing.T) {
	r := NewRing(2, 8)
	_, i1, ok1 := r.Acquire(4)
	_, i2, ok2 := r.Acquire(4)
	require.True(t, ok1)
	require.True(t, ok2)

	buf, idx, ok := r.Acquire(4)
	assert.False(t, ok)
	assert.Nil(t, buf)
	assert.Equal(t, -1, idx)

	// Releasing the transient sentinel is a no-op, never aliasing a real slot.
	r.Release(-1)
	assert.Equal(t, 2, r.InUseCount())

	r.Release(i1)
	r.Release(i2)
	assert.Equal(t, 0, r.InUseCount())
}

func TestRingAcquireGrowsUndersizedSlot(t *testing.T) {
	r := NewRing(1, 4)
	buf, idx, ok := r.Acquire(64)
	require.True(t, ok)
	assert.GreaterOrEqual(t, cap(buf), 64)
	r.Release(idx)
}

func TestRingSlotExclusivity(t *testing.T) {
	r := NewRing(1, 8)
	_, idx, ok := r.Acquire(4)
	require.True(t, ok)

	_, _, ok2 := r.Acquire(4)
	assert.False(t, ok2, "a single slot must not be handed out twice while in use")

	r.Release(idx)
	_, _, ok3 := r.Acquire(4)
	assert.True(t, ok3)
}
