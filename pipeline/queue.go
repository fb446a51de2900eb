/*
DESCRIPTION
  queue.go provides queue, the bounded queue joining pipeline stages. When
  full, the oldest item is dropped so that a slow stage always works on the
  most recent data.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package pipeline

import (
	"context"
	"sync"

	"github.com/gammazero/deque"
)

// queue is a bounded drop-oldest queue with a single consumer.
type queue[T any] struct {
	mu      sync.Mutex
	items   deque.Deque[T]
	cap     int
	dropped uint64
	ready   chan struct{}
}

func newQueue[T any](n int) *queue[T] {
	if n < 1 {
		n = 1
	}
	q := &queue[T]{cap: n, ready: make(chan struct{}, 1)}
	q.items.Grow(n)
	return q
}

// put adds v, dropping the oldest item if the queue is full. It reports
// whether an item was dropped.
func (q *queue[T]) put(v T) bool {
	q.mu.Lock()
	var dropped bool
	if q.items.Len() == q.cap {
		q.items.PopFront()
		q.dropped++
		dropped = true
	}
	q.items.PushBack(v)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return dropped
}

// get removes and returns the oldest item, blocking until one is available
// or ctx is done.
func (q *queue[T]) get(ctx context.Context) (T, error) {
	for {
		q.mu.Lock()
		if q.items.Len() > 0 {
			v := q.items.PopFront()
			q.mu.Unlock()
			return v, nil
		}
		q.mu.Unlock()

		select {
		case <-q.ready:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// len returns the number of items queued.
func (q *queue[T]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// drops returns the number of items dropped.
func (q *queue[T]) drops() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
