// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sshtunneler

import (
	"sync"

	"github.com/juju/collections/deque"
)

// Queue is an unbounded FIFO queue connecting a tunnel to its caller:
// forward requests flow in on one, allocated listen ports flow out on
// another. Push never blocks; Pop blocks until an item is available or
// the caller's abort channel fires. Items are consumed exactly once,
// in submission order.
type Queue[T any] struct {
	mu    sync.Mutex
	items *deque.Deque
	wake  chan struct{}
}

// NewQueue returns an empty queue.
func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{
		items: deque.New(),
		wake:  make(chan struct{}, 1),
	}
}

// Push appends item and wakes a blocked Pop, if any.
func (q *Queue[T]) Push(item T) {
	q.mu.Lock()
	q.items.PushBack(item)
	q.mu.Unlock()
	q.signal()
}

// Pop removes and returns the oldest item, blocking while the queue is
// empty. It returns ErrAborted once abort fires; a nil abort channel
// blocks until an item arrives.
func (q *Queue[T]) Pop(abort <-chan struct{}) (T, error) {
	for {
		q.mu.Lock()
		v, ok := q.items.PopFront()
		remaining := q.items.Len()
		q.mu.Unlock()
		if ok {
			if remaining > 0 {
				// Pass the wakeup on to the next waiter.
				q.signal()
			}
			return v.(T), nil
		}
		select {
		case <-q.wake:
		case <-abort:
			var zero T
			return zero, ErrAborted
		}
	}
}

// Len reports the number of items waiting in the queue.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

func (q *Queue[T]) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
