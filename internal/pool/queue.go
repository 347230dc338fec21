package pool

import (
	"time"
)

// acquireResult is delivered to a waiter exactly once: either a connection
// whose ownership transfers to the waiter, or a terminal error.
type acquireResult struct {
	conn *Connection
	err  error
}

// waiter is one suspended acquire call parked in a backend's queue.
type waiter struct {
	requestID  string
	userID     string
	enqueuedAt time.Time
	ch         chan acquireResult // buffered 1, written exactly once
}

// waitQueue is the bounded FIFO of suspended acquire calls for one backend.
// Not self-locking; the owning backend state's mutex guards all access.
type waitQueue struct {
	maxSize int
	waiters []*waiter
}

func newWaitQueue(maxSize int) *waitQueue {
	return &waitQueue{maxSize: maxSize}
}

func (q *waitQueue) len() int { return len(q.waiters) }

// push appends a waiter, or reports false when the queue is at capacity.
func (q *waitQueue) push(w *waiter) bool {
	if len(q.waiters) >= q.maxSize {
		return false
	}
	q.waiters = append(q.waiters, w)
	return true
}

// peek returns the oldest waiter without removing it, or nil when empty.
func (q *waitQueue) peek() *waiter {
	if len(q.waiters) == 0 {
		return nil
	}
	return q.waiters[0]
}

// pop removes and returns the oldest waiter, or nil when empty.
func (q *waitQueue) pop() *waiter {
	if len(q.waiters) == 0 {
		return nil
	}
	w := q.waiters[0]
	q.waiters[0] = nil
	q.waiters = q.waiters[1:]
	return w
}

// remove takes a specific waiter out of the queue, preserving order.
// Returns false when the waiter is no longer queued, which means a result
// was (or is being) delivered concurrently.
func (q *waitQueue) remove(w *waiter) bool {
	for i, qw := range q.waiters {
		if qw == w {
			copy(q.waiters[i:], q.waiters[i+1:])
			q.waiters[len(q.waiters)-1] = nil
			q.waiters = q.waiters[:len(q.waiters)-1]
			return true
		}
	}
	return false
}

// expire removes every waiter enqueued at or before cutoff and returns them
// so the caller can deliver the timeout error outside any lock it holds.
func (q *waitQueue) expire(cutoff time.Time) []*waiter {
	var expired []*waiter
	kept := q.waiters[:0]
	for _, w := range q.waiters {
		if !w.enqueuedAt.After(cutoff) {
			expired = append(expired, w)
		} else {
			kept = append(kept, w)
		}
	}
	for i := len(kept); i < len(q.waiters); i++ {
		q.waiters[i] = nil
	}
	q.waiters = kept
	return expired
}
