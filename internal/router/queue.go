package router

import (
	"sync"
)

// Queue is a thread-safe FIFO backed by a ring that doubles when full.
// A positive limit caps the ring; Push drops items once the cap is reached.
type Queue[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	ring   []T
	head   int
	count  int
	limit  int
	closed bool

	// Stats
	pushed    int64
	popped    int64
	dropped   int64
	grows     int
	highWater int
}

// NewQueue creates a queue with the given initial capacity and limit (0 = unbounded).
func NewQueue[T any](initialCapacity, limit int) *Queue[T] {
	if initialCapacity < 1 {
		initialCapacity = 1
	}
	if limit > 0 && initialCapacity > limit {
		initialCapacity = limit
	}
	q := &Queue[T]{
		ring:  make([]T, initialCapacity),
		limit: limit,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends item. It returns false if the queue is closed or at its limit.
func (q *Queue[T]) Push(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if q.count == len(q.ring) {
		if q.limit > 0 && q.count >= q.limit {
			q.dropped++
			return false
		}
		q.grow()
	}

	q.ring[(q.head+q.count)%len(q.ring)] = item
	q.count++
	q.pushed++
	if q.count > q.highWater {
		q.highWater = q.count
	}

	q.cond.Signal()
	return true
}

// Pop blocks until an item is available. It returns false once the queue is
// closed and drained.
func (q *Queue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.count == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.count == 0 {
		var zero T
		return zero, false
	}
	return q.take(), true
}

// TryPop returns the oldest item without blocking.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		var zero T
		return zero, false
	}
	return q.take(), true
}

// Drain removes up to max items (all when max <= 0) without blocking.
func (q *Queue[T]) Drain(max int) []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.count
	if max > 0 && max < n {
		n = max
	}
	if n == 0 {
		return nil
	}

	out := make([]T, n)
	for i := range out {
		out[i] = q.take()
	}
	return out
}

// take removes the head item. Must be called with lock held and count > 0.
func (q *Queue[T]) take() T {
	item := q.ring[q.head]
	var zero T
	q.ring[q.head] = zero
	q.head = (q.head + 1) % len(q.ring)
	q.count--
	q.popped++
	return item
}

// grow doubles the ring, up to the limit. Must be called with lock held.
func (q *Queue[T]) grow() {
	size := len(q.ring) * 2
	if q.limit > 0 && size > q.limit {
		size = q.limit
	}

	ring := make([]T, size)
	n := copy(ring, q.ring[q.head:])
	copy(ring[n:], q.ring[:q.head])

	q.ring = ring
	q.head = 0
	q.grows++
}

// Close stops accepting items and wakes blocked Pop calls.
// Items already queued can still be popped.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.cond.Broadcast()
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap returns the current ring size.
func (q *Queue[T]) Cap() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ring)
}

// Stats returns queue statistics.
func (q *Queue[T]) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Len:       q.count,
		Cap:       len(q.ring),
		Pushed:    q.pushed,
		Popped:    q.popped,
		Dropped:   q.dropped,
		Grows:     q.grows,
		HighWater: q.highWater,
	}
}

// QueueStats contains queue statistics.
type QueueStats struct {
	Len       int
	Cap       int
	Pushed    int64
	Popped    int64
	Dropped   int64
	Grows     int
	HighWater int
}
