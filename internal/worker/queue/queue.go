// Package queue is the in-process admission queue for render jobs.
// Higher priority pops first; equal priority pops in push order.
package queue

import (
	"container/heap"
	"context"
	"sync"
)

type item struct {
	id       string
	priority int
	seq      uint64
	index    int
}

type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Queue is safe for concurrent use. It holds ids only; ids are unique.
type Queue struct {
	mu     sync.Mutex
	h      itemHeap
	byID   map[string]*item
	seq    uint64
	signal chan struct{}
}

func New() *Queue {
	return &Queue{
		byID:   make(map[string]*item),
		signal: make(chan struct{}, 1),
	}
}

// Push adds id. It returns false if id is already queued.
func (q *Queue) Push(id string, priority int) bool {
	q.mu.Lock()
	if _, ok := q.byID[id]; ok {
		q.mu.Unlock()
		return false
	}
	q.seq++
	it := &item{id: id, priority: priority, seq: q.seq}
	heap.Push(&q.h, it)
	q.byID[id] = it
	q.mu.Unlock()

	q.notify()
	return true
}

// TryPop removes and returns the head, if any.
func (q *Queue) TryPop() (string, bool) {
	q.mu.Lock()
	if q.h.Len() == 0 {
		q.mu.Unlock()
		return "", false
	}
	it := heap.Pop(&q.h).(*item)
	delete(q.byID, it.id)
	more := q.h.Len() > 0
	q.mu.Unlock()

	// Pass the wake-up on so a second waiter sees the remaining items.
	if more {
		q.notify()
	}
	return it.id, true
}

// Pop blocks until an id is available or ctx is done.
func (q *Queue) Pop(ctx context.Context) (string, error) {
	for {
		if id, ok := q.TryPop(); ok {
			return id, nil
		}
		select {
		case <-q.signal:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// Remove drops id if still queued.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.byID[id]
	if !ok {
		return false
	}
	heap.Remove(&q.h, it.index)
	delete(q.byID, id)
	return true
}

// Contains reports whether id is queued.
func (q *Queue) Contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byID[id]
	return ok
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.h.Len()
}

func (q *Queue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
