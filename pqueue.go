package qwormhole

import (
	"container/heap"
	"sync"
)

// Priority constants for the well-known traffic classes (spec.md §4.C):
// handshake frames go first, user traffic in the middle, heartbeats last.
const (
	PriorityHandshake = -100
	PriorityDefault   = 0
	PriorityHeartbeat = 100
)

type pqItem struct {
	payload  []byte
	priority int64
	seq      uint64
}

// pqHeap is a container/heap over pqItem, ordered ascending by priority
// with a monotonic sequence number as the stable tiebreaker — an O(log n)
// replacement for the reference's O(n log n) stable-sort-per-enqueue
// (spec.md §9).
type pqHeap []*pqItem

func (h pqHeap) Len() int { return len(h) }
func (h pqHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h pqHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *pqHeap) Push(x any)   { *h = append(*h, x.(*pqItem)) }
func (h *pqHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// PriorityQueue is a stable ascending-priority queue (spec.md §4.C).
type PriorityQueue struct {
	mu   sync.Mutex
	h    pqHeap
	next uint64
}

// NewPriorityQueue returns an empty PriorityQueue.
func NewPriorityQueue() *PriorityQueue {
	return &PriorityQueue{}
}

// Enqueue adds payload at priority. Lower priority values dequeue first;
// equal priorities dequeue in enqueue order.
func (q *PriorityQueue) Enqueue(payload []byte, priority int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	heap.Push(&q.h, &pqItem{payload: payload, priority: priority, seq: q.next})
	q.next++
}

// Dequeue removes and returns the lowest-priority item. ok is false if
// the queue is empty.
func (q *PriorityQueue) Dequeue() (payload []byte, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.h.Len() == 0 {
		return nil, false
	}
	item := heap.Pop(&q.h).(*pqItem)
	return item.payload, true
}

// Len returns the number of queued items.
func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.h.Len()
}
