package qwormhole

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriorityQueueOrdersByPriority(t *testing.T) {
	q := NewPriorityQueue()
	q.Enqueue([]byte("heartbeat"), PriorityHeartbeat)
	q.Enqueue([]byte("data"), PriorityDefault)
	q.Enqueue([]byte("handshake"), PriorityHandshake)

	first, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "handshake", string(first))

	second, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "data", string(second))

	third, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "heartbeat", string(third))

	_, ok = q.Dequeue()
	assert.False(t, ok)
}

func TestPriorityQueueStableAtEqualPriority(t *testing.T) {
	q := NewPriorityQueue()
	for i := 0; i < 5; i++ {
		q.Enqueue([]byte{byte('a' + i)}, PriorityDefault)
	}
	for i := 0; i < 5; i++ {
		payload, ok := q.Dequeue()
		require.True(t, ok)
		assert.Equal(t, []byte{byte('a' + i)}, payload, "equal-priority items must dequeue in enqueue order")
	}
}

func TestPriorityQueueLen(t *testing.T) {
	q := NewPriorityQueue()
	assert.Equal(t, 0, q.Len())
	q.Enqueue([]byte("x"), 0)
	q.Enqueue([]byte("y"), 0)
	assert.Equal(t, 2, q.Len())
	_, _ = q.Dequeue()
	assert.Equal(t, 1, q.Len())
}
