// Package ring implements a bounded single-producer/single-consumer
// lock-free queue of pointers.
//
// It is a direct translation of the original C
// spsc_queue.h (see original_source/frameset_server/include/spsc_queue.h):
// a producer index and a consumer index that each wrap to 0 at the
// capacity, one empty slot kept in reserve to distinguish full from
// empty, and the
// head/tail handoff synchronized with release/acquire atomics instead
// of a lock. Exactly one goroutine may call Enqueue and exactly one
// (a different one) may call Dequeue; the queue itself does no
// blocking or retrying — callers that need to wait do so outside.
package ring

import (
	"sync/atomic"

	"github.com/pkg/errors"
)

// ErrFull is returned by Enqueue when the queue has no free slot.
var ErrFull = errors.New("ring: queue full")

// Queue is a bounded SPSC ring buffer of unsafe.Pointer-sized values,
// stored here as interface{} slots since Go pointers are typed; the
// camera source always enqueues *the same* type (frame-pool slot
// byte slices), so callers type-assert on Dequeue.
//
// Capacity must be a power of two; the usable capacity is cap-1, one
// slot always kept empty to distinguish full from empty.
type Queue struct {
	cap uint64

	// producer-owned
	head        atomic.Uint64
	cachedTail  uint64
	_pad0       [56]byte

	// consumer-owned
	tail       atomic.Uint64
	cachedHead uint64
	_pad1      [56]byte

	buf []any
}

// New creates a queue with the given power-of-two capacity. The usable
// capacity (the number of elements that may be in flight at once) is
// capacity-1.
func New(capacity int) *Queue {
	if capacity <= 1 || capacity&(capacity-1) != 0 {
		panic("ring: capacity must be a power of two greater than 1")
	}
	q := &Queue{
		cap: uint64(capacity),
		buf: make([]any, capacity),
	}
	return q
}

// Cap returns the usable capacity (queue capacity minus the reserved
// empty slot).
func (q *Queue) Cap() int {
	return int(q.cap) - 1
}

// Enqueue publishes p to the queue. Only the single producer goroutine
// may call this. Returns ErrFull if the queue has no free slot; the
// caller decides whether to spin, retry, or treat this as fatal
// back-pressure (the pipeline controller's overrun check makes this
// path a near-impossibility in steady state).
func (q *Queue) Enqueue(p any) error {
	head := q.head.Load() // relaxed would suffice; Load is acquire but single-writer makes this safe either way

	next := head + 1
	if next == q.cap {
		next = 0
	}

	if next == q.cachedTail {
		q.cachedTail = q.tail.Load()
		if next == q.cachedTail {
			return ErrFull
		}
	}

	q.buf[head] = p

	// Release: publish the slot write before advancing head so the
	// consumer never observes an advanced index before the data it
	// guards.
	q.head.Store(next)

	return nil
}

// Dequeue removes and returns the oldest enqueued pointer, or nil if
// the queue is empty. Only the single consumer goroutine may call
// this.
func (q *Queue) Dequeue() any {
	tail := q.tail.Load()

	if tail == q.cachedHead {
		q.cachedHead = q.head.Load() // acquire: see the producer's published slot
		if tail == q.cachedHead {
			return nil
		}
	}

	data := q.buf[tail]

	next := tail + 1
	if next == q.cap {
		next = 0
	}
	q.tail.Store(next)

	return data
}
