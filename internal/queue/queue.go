// Package queue provides an unbounded FIFO whose consumers can wait with a context.
//
// Producers never block, which keeps a transport's receive goroutine from stalling on a slow
// consumer; the cost is that memory grows with whatever the consumer has not drained yet.
package queue

import (
	"context"
	"sync"
)

type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	signal chan struct{} // one pending wake-up at most
}

func New[T any]() *Queue[T] {
	return &Queue[T]{signal: make(chan struct{}, 1)}
}

// Push appends v. It reports false, dropping v, once the queue is closed.
func (q *Queue[T]) Push(v T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, v)
	q.mu.Unlock()
	q.wake()
	return true
}

// Pop removes the oldest item, waiting for one if necessary. ok is false when the queue is
// closed and drained. err is ctx.Err() if ctx ends first.
func (q *Queue[T]) Pop(ctx context.Context) (v T, ok bool, err error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			v = q.items[0]
			var zero T
			q.items[0] = zero
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				q.wake()
			}
			return v, true, nil
		}
		if q.closed {
			q.mu.Unlock()
			q.wake() // pass the news on to the next waiter
			return v, false, nil
		}
		q.mu.Unlock()

		select {
		case <-q.signal:
		case <-ctx.Done():
			return v, false, ctx.Err()
		}
	}
}

// Close stops further pushes. Items already queued can still be popped.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

// Discard drops every queued item and closes the queue.
func (q *Queue[T]) Discard() {
	q.mu.Lock()
	q.items = nil
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue[T]) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
