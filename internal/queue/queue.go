// Package queue implements the deadline-priority admission queue used when
// in-flight requests exceed the dispatcher's concurrency cap, or when the
// pipeline explicitly defers BATCH work.
package queue

import (
	"container/heap"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-gateway/pkg/gatewayerr"
)

// Priority is one of the three admission tiers; 1 is highest.
type Priority int

const (
	Priority1 Priority = 1
	Priority2 Priority = 2
	Priority3 Priority = 3
)

// Item is one queued unit of work.
type Item struct {
	Priority Priority
	Deadline time.Time
	Payload  any

	index int // heap bookkeeping
}

type priorityHeap []*Item

func (h priorityHeap) Len() int { return len(h) }
func (h priorityHeap) Less(i, j int) bool {
	return h[i].Deadline.Before(h[j].Deadline)
}
func (h priorityHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *priorityHeap) Push(x any) {
	item := x.(*Item)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Thresholds configures backpressure behavior.
type Thresholds struct {
	SoftLimit int // at or above this queue length, priority-3 admission is rejected
	HardLimit int // at or above this queue length, priority-2 admission is also rejected
}

// Queue is the three-priority deadline-ordered admission queue.
type Queue struct {
	mu         sync.Mutex
	heaps      map[Priority]*priorityHeap
	thresholds Thresholds
}

// New creates an empty Queue.
func New(t Thresholds) *Queue {
	q := &Queue{
		heaps:      make(map[Priority]*priorityHeap),
		thresholds: t,
	}
	for _, p := range []Priority{Priority1, Priority2, Priority3} {
		h := &priorityHeap{}
		heap.Init(h)
		q.heaps[p] = h
	}
	return q
}

// Len returns the total number of items across all priorities.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenLocked()
}

func (q *Queue) lenLocked() int {
	n := 0
	for _, h := range q.heaps {
		n += h.Len()
	}
	return n
}

// Enqueue admits item, applying backpressure per the configured thresholds.
// Priority 1 is never rejected by these thresholds (only a global admission
// freeze, enforced by the caller under memory pressure, can reject it).
func (q *Queue) Enqueue(item *Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	total := q.lenLocked()
	if item.Priority == Priority3 && total >= q.thresholds.SoftLimit {
		return gatewayerr.New(gatewayerr.Overloaded, "queue at soft threshold, priority 3 rejected")
	}
	if item.Priority == Priority2 && total >= q.thresholds.HardLimit {
		return gatewayerr.New(gatewayerr.Overloaded, "queue at hard threshold, priority 2 rejected")
	}

	heap.Push(q.heaps[item.Priority], item)
	return nil
}

// Dequeue removes and returns the next item to dispatch: the earliest
// deadline among priority 1, else priority 2, else priority 3. An item whose
// deadline has already passed is removed and returned with dropped=true
// (ok=true) so the caller can discard it instead of dispatching it.
func (q *Queue) Dequeue(now time.Time) (item *Item, dropped bool, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, p := range []Priority{Priority1, Priority2, Priority3} {
		h := q.heaps[p]
		if h.Len() == 0 {
			continue
		}
		next := (*h)[0]
		if now.After(next.Deadline) {
			heap.Pop(h)
			return next, true, true
		}
		heap.Pop(h)
		return next, false, true
	}
	return nil, false, false
}
