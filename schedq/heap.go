// Package schedq implements the deferred-call queue: a min-heap of
// scheduled calls keyed by due time, with strict FIFO tie-breaking on
// insertion order.
package schedq

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// Call is a single deferred invocation registered through call_later. Run is
// executed by the scheduler when Due is reached.
type Call struct {
	Due time.Time
	Run func(ctx context.Context) error

	seq uint64
}

// innerHeap implements container/heap.Interface, ordering by due time and
// breaking ties by insertion sequence (FIFO).
type innerHeap []Call

func (h innerHeap) Len() int { return len(h) }
func (h innerHeap) Less(i, j int) bool {
	if h[i].Due.Equal(h[j].Due) {
		return h[i].seq < h[j].seq
	}
	return h[i].Due.Before(h[j].Due)
}
func (h innerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *innerHeap) Push(x any) {
	*h = append(*h, x.(Call))
}

func (h *innerHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	*h = old[:n-1]
	return c
}

// Queue is a concurrency-safe min-heap of deferred calls. The scheduler is
// its only mutator in normal operation, but callbacks running on their own
// goroutines may call Push concurrently with the scheduler idling in a
// select, so the queue guards its heap with a mutex.
type Queue struct {
	mu   sync.Mutex
	heap innerHeap
	next uint64
}

// New returns an empty deferred-call queue.
func New() *Queue {
	q := &Queue{}
	heap.Init(&q.heap)
	return q
}

// Push enqueues a call, assigning it the next FIFO sequence number.
func (q *Queue) Push(c Call) {
	q.mu.Lock()
	defer q.mu.Unlock()
	c.seq = q.next
	q.next++
	heap.Push(&q.heap, c)
}

// Len reports the number of pending calls.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

// PeekDue returns the due time of the earliest call without removing it.
func (q *Queue) PeekDue() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return time.Time{}, false
	}
	return q.heap[0].Due, true
}

// PopOne removes and returns the earliest call.
func (q *Queue) PopOne() (Call, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return Call{}, false
	}
	return heap.Pop(&q.heap).(Call), true
}

// PopAllDue removes and returns every call whose Due equals the minimum due
// time currently in the heap, in FIFO order. It is used by the scheduler to
// dispatch every item due at the same instant together (spec: deferred
// calls are FIFO within a due-time).
func (q *Queue) PopAllDue() []Call {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return nil
	}
	due := q.heap[0].Due
	var out []Call
	for len(q.heap) > 0 && q.heap[0].Due.Equal(due) {
		out = append(out, heap.Pop(&q.heap).(Call))
	}
	return out
}
