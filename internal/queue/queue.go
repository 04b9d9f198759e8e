// Package queue implements the bounded, multi-producer/multi-consumer work
// queue used to hand Messages from facade callers to asyncio workers.
//
// The original rdedup source used the Rust "two_lock_queue" crate, a bounded
// MPMC channel whose Receiver.recv returns a closed signal once every Sender
// has been dropped. The ring buffer here is realized on top of
// code.hybscloud.com/lfq's FAA-based SCQ queue (a lock-free, non-blocking
// MPMC queue); Queue layers blocking Send/Recv and explicit Close semantics
// on top of it, since lfq.MPMC.Enqueue/Dequeue return ErrWouldBlock instead
// of blocking and have no notion of being closed.
package queue

import (
	"sync"

	"code.hybscloud.com/lfq"
)

// Queue is a bounded MPMC queue of T that supports blocking Send/Recv and a
// one-shot Close that wakes every blocked participant.
type Queue[T any] struct {
	ring *lfq.MPMC[T]

	mu     sync.Mutex
	cond   *sync.Cond
	closed bool
}

// New creates a queue with the given capacity (rounded up to a power of two
// by the underlying ring buffer).
func New[T any](capacity int) *Queue[T] {
	q := &Queue[T]{ring: lfq.NewMPMC[T](capacity)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Send enqueues elem, blocking while the queue is full. It returns false if
// the queue was already closed; closing is the only way Send can fail, and
// is always a programming error from a caller holding a live producer
// handle, per the asyncio facade's contract.
func (q *Queue[T]) Send(elem T) bool {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return false
		}
		q.mu.Unlock()

		if err := q.ring.Enqueue(&elem); err == nil {
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
			return true
		}

		// ring full: wait for a consumer to make room, or for Close. The
		// retry under the lock closes the window in which a Recv that made
		// room broadcast before this Send started waiting.
		q.mu.Lock()
		if !q.closed {
			if err := q.ring.Enqueue(&elem); err == nil {
				q.cond.Broadcast()
				q.mu.Unlock()
				return true
			}
			q.cond.Wait()
		}
		q.mu.Unlock()
	}
}

// Recv blocks until an element is available or the queue is closed and
// drained. The second return value is false exactly when the queue is
// closed and empty, mirroring the "recv returns closed" shutdown trigger
// spec.md assigns to queue closure.
func (q *Queue[T]) Recv() (T, bool) {
	for {
		if v, err := q.ring.Dequeue(); err == nil {
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
			return v, true
		}

		q.mu.Lock()
		if q.closed {
			// one last drain attempt, in case a Send raced Close and landed
			// in the ring just before it was marked closed.
			q.mu.Unlock()
			if v, err := q.ring.Dequeue(); err == nil {
				return v, true
			}
			var zero T
			return zero, false
		}
		// retry under the lock: a Send that enqueued after the Dequeue
		// above broadcasts only once it holds q.mu, so it cannot be missed.
		if v, err := q.ring.Dequeue(); err == nil {
			q.cond.Broadcast()
			q.mu.Unlock()
			return v, true
		}
		q.cond.Wait()
		q.mu.Unlock()
	}
}

// Close marks the queue closed: pending Sends fail, and blocked Recvs return
// once the ring has been drained. Close is idempotent.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.ring.Drain()
	q.cond.Broadcast()
	q.mu.Unlock()
}
