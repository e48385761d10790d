// Package queue provides a keyed FIFO: values posted under a key are handed
// to the next Get for that key, in order. Waiters on different keys never see
// each other's values.
package queue

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Get once the queue has been closed.
var ErrClosed = errors.New("queue closed")

// Keyed is a set of independent FIFOs indexed by string key.
// The zero value is not usable; use NewKeyed.
type Keyed[T any] struct {
	mu      sync.Mutex
	items   map[string][]T
	waiters map[string][]chan T
	closed  bool
	done    chan struct{}
}

// NewKeyed creates an empty keyed queue.
func NewKeyed[T any]() *Keyed[T] {
	return &Keyed[T]{
		items:   make(map[string][]T),
		waiters: make(map[string][]chan T),
		done:    make(chan struct{}),
	}
}

// Post delivers v to the oldest waiter on key, or buffers it until the next
// Get. Posting to a closed queue is a no-op.
func (q *Keyed[T]) Post(key string, v T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if ws := q.waiters[key]; len(ws) > 0 {
		ch := ws[0]
		q.trimWaiters(key, ws[1:])
		ch <- v // buffered, never blocks
		return
	}
	q.items[key] = append(q.items[key], v)
}

// Get returns the next value for key, blocking until one is posted, ctx is
// done or the queue is closed.
func (q *Keyed[T]) Get(ctx context.Context, key string) (T, error) {
	var zero T

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return zero, ErrClosed
	}
	if buf := q.items[key]; len(buf) > 0 {
		v := buf[0]
		if len(buf) == 1 {
			delete(q.items, key)
		} else {
			q.items[key] = buf[1:]
		}
		q.mu.Unlock()
		return v, nil
	}
	ch := make(chan T, 1)
	q.waiters[key] = append(q.waiters[key], ch)
	q.mu.Unlock()

	select {
	case v := <-ch:
		return v, nil
	case <-ctx.Done():
		if v, ok := q.abandon(key, ch); ok {
			// a Post raced with cancellation; keep the value for the next Get
			q.requeue(key, v)
		}
		return zero, ctx.Err()
	case <-q.done:
		return zero, ErrClosed
	}
}

// abandon removes ch from the waiters of key. If ch was already handed a
// value it is returned.
func (q *Keyed[T]) abandon(key string, ch chan T) (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ws := q.waiters[key]
	for i, w := range ws {
		if w == ch {
			q.trimWaiters(key, append(ws[:i:i], ws[i+1:]...))
			var zero T
			return zero, false
		}
	}
	select {
	case v := <-ch:
		return v, true
	default:
		var zero T
		return zero, false
	}
}

func (q *Keyed[T]) requeue(key string, v T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items[key] = append([]T{v}, q.items[key]...)
}

func (q *Keyed[T]) trimWaiters(key string, ws []chan T) {
	if len(ws) == 0 {
		delete(q.waiters, key)
		return
	}
	q.waiters[key] = ws
}

// Pending reports how many values are buffered for key.
func (q *Keyed[T]) Pending(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items[key])
}

// Waiting reports how many callers are blocked in Get for key.
func (q *Keyed[T]) Waiting(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters[key])
}

// Close releases all waiters with ErrClosed and drops buffered values.
func (q *Keyed[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.items = nil
	q.waiters = nil
	close(q.done)
}
