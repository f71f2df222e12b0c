// Package rbq is a bounded single-producer single-consumer FIFO ring.
package rbq

import (
	"fmt"
	"sync/atomic"
)

// Ring is a fixed-capacity circular buffer. One goroutine may Push while
// another Pops; Peek and Pop belong to the consumer.
type Ring[T any] struct {
	// align head/tail to separate cache lines
	head  uint64
	_pad1 [56]byte
	tail  uint64
	_pad2 [56]byte

	buf  []T
	mask uint64
}

// New allocates a ring holding at least capacity items, rounded up to a
// power of two.
func New[T any](capacity int) *Ring[T] {
	n := uint64(1)
	for n < uint64(max(capacity, 1)) {
		n <<= 1
	}
	return &Ring[T]{buf: make([]T, n), mask: n - 1}
}

// Push appends v. Returns false if the ring is full.
func (q *Ring[T]) Push(v T) bool {
	h := q.head
	t := atomic.LoadUint64(&q.tail)
	if h-t == uint64(len(q.buf)) {
		return false // full
	}
	q.buf[h&q.mask] = v
	atomic.StoreUint64(&q.head, h+1)
	return true
}

// Peek returns the oldest item without removing it.
func (q *Ring[T]) Peek() (T, bool) {
	t := q.tail
	if t == atomic.LoadUint64(&q.head) {
		var zero T
		return zero, false
	}
	return q.buf[t&q.mask], true
}

// Pop removes and returns the oldest item.
func (q *Ring[T]) Pop() (T, bool) {
	var zero T
	t := q.tail
	if t == atomic.LoadUint64(&q.head) {
		return zero, false
	}
	v := q.buf[t&q.mask]
	q.buf[t&q.mask] = zero
	atomic.StoreUint64(&q.tail, t+1)
	return v, true
}

func (q *Ring[T]) Len() int {
	h := atomic.LoadUint64(&q.head)
	t := atomic.LoadUint64(&q.tail)
	return int(h - t)
}

func (q *Ring[T]) Cap() int { return len(q.buf) }

func (q *Ring[T]) IsFull() bool  { return q.Len() == len(q.buf) }
func (q *Ring[T]) IsEmpty() bool { return q.Len() == 0 }

// Drain pops everything currently buffered.
func (q *Ring[T]) Drain() []T {
	out := make([]T, 0, q.Len())
	for {
		v, ok := q.Pop()
		if !ok {
			return out
		}
		out = append(out, v)
	}
}

func (q *Ring[T]) String() string {
	return fmt.Sprintf("ring{len=%d, cap=%d, head=%d, tail=%d}",
		q.Len(), q.Cap(), atomic.LoadUint64(&q.head), atomic.LoadUint64(&q.tail))
}
