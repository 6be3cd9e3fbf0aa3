// Package pump buffers events produced by network goroutines until the main
// loop drains them, so application callbacks run on one goroutine only.
package pump

import "sync"

// Queue is a bounded FIFO safe for concurrent producers and one consumer.
type Queue[T any] struct {
	mu      sync.Mutex
	items   []T
	spare   []T
	limit   int
	dropped uint64
}

// NewQueue returns a queue holding at most limit items.
func NewQueue[T any](limit int) *Queue[T] {
	if limit < 1 {
		limit = 1
	}
	return &Queue[T]{limit: limit}
}

// Push appends v, returning false when the queue is full.
func (q *Queue[T]) Push(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.limit {
		q.dropped++
		return false
	}
	q.items = append(q.items, v)
	return true
}

// Put appends v even when the queue is full. Lifecycle events that must
// reach the consumer use it.
func (q *Queue[T]) Put(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()
}

// Drain removes every queued item and passes them to fn in FIFO order.
// fn runs without the queue lock, so it may push new items; those are
// delivered by the next Drain.
func (q *Queue[T]) Drain(fn func(T)) int {
	q.mu.Lock()
	batch := q.items
	q.items = q.spare[:0]
	q.mu.Unlock()

	for _, v := range batch {
		fn(v)
	}
	clear(batch)

	q.mu.Lock()
	q.spare = batch[:0]
	q.mu.Unlock()
	return len(batch)
}

// Take removes and returns every queued item.
func (q *Queue[T]) Take() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	out := q.items
	q.items = nil
	return out
}

// Len reports the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped reports how many pushes were refused because the queue was full.
func (q *Queue[T]) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
