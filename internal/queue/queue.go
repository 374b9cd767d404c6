// Package queue implements the replay work queue: a FIFO shared between one
// producer and a pool of consumers, with a completion barrier the producer
// uses to order dependent resource classes.
package queue

import "sync"

// Queue is a producer/consumer FIFO with completion accounting.
//
// The producer calls Push and Drain; consumers loop PopBlocking, execute the
// item, then MarkDone. Drain returns once every pushed item has been marked
// done, which is the barrier between resource classes whose outputs feed the
// next class. Shutdown wakes all consumers for teardown; Push must not be
// called after Shutdown.
//
// The mutex guards only constant-time bookkeeping. Item execution always
// happens outside the lock, so a slow (or crashing) creation call never
// blocks queue traffic.
type Queue[T any] struct {
	mu            sync.Mutex
	workAvailable sync.Cond
	workDone      sync.Cond

	items     []T
	queued    uint64
	completed uint64
	shutdown  bool
}

// New returns an empty queue.
func New[T any]() *Queue[T] {
	q := &Queue[T]{}
	q.workAvailable.L = &q.mu
	q.workDone.L = &q.mu
	return q
}

// Push appends an item and wakes one consumer. Producer-only.
func (q *Queue[T]) Push(item T) {
	q.mu.Lock()
	if q.shutdown {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, item)
	q.queued++
	q.mu.Unlock()
	q.workAvailable.Signal()
}

// PopBlocking removes and returns the oldest item, blocking while the queue
// is empty. It returns ok=false once Shutdown has been called and no item
// was taken.
func (q *Queue[T]) PopBlocking() (item T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for !q.shutdown && len(q.items) == 0 {
		q.workAvailable.Wait()
	}
	if q.shutdown && len(q.items) == 0 {
		return item, false
	}
	item = q.items[0]
	q.items = q.items[1:]
	return item, true
}

// MarkDone records the completion of one popped item and, when every queued
// item is complete, wakes the producer's Drain.
func (q *Queue[T]) MarkDone() {
	q.mu.Lock()
	q.completed++
	signal := q.completed == q.queued
	q.mu.Unlock()
	if signal {
		q.workDone.Signal()
	}
}

// Drain blocks until every pushed item has been marked done. Producer-only.
func (q *Queue[T]) Drain() {
	q.mu.Lock()
	for q.completed != q.queued {
		q.workDone.Wait()
	}
	q.mu.Unlock()
}

// Shutdown stops the queue and wakes all blocked consumers. Items already
// queued are still handed out; no new Push is accepted.
func (q *Queue[T]) Shutdown() {
	q.mu.Lock()
	q.shutdown = true
	q.mu.Unlock()
	q.workAvailable.Broadcast()
}

// Counts returns the queued and completed totals. Completed never exceeds
// queued.
func (q *Queue[T]) Counts() (queued, completed uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queued, q.completed
}
