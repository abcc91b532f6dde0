// Package bus is an unbounded multi-producer, single-consumer queue. Send
// never blocks, so background tasks can report progress without waiting on
// the consumer; the consumer drains everything pending once per tick.
package bus

import "sync"

// Sender is the producer side handed to background tasks.
type Sender[T any] interface {
	Send(v T) bool
}

// Bus is the queue. The zero value is not usable; use New.
type Bus[T any] struct {
	mu     sync.Mutex
	queue  []T
	closed bool
	notify chan struct{}
}

// New creates an empty bus.
func New[T any]() *Bus[T] {
	return &Bus[T]{notify: make(chan struct{}, 1)}
}

// Send enqueues v. It reports false, dropping v, once the bus is closed.
func (b *Bus[T]) Send(v T) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}

	b.queue = append(b.queue, v)
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}

	return true
}

// TryRecv dequeues the oldest value without blocking.
func (b *Bus[T]) TryRecv() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var zero T
	if len(b.queue) == 0 {
		return zero, false
	}

	v := b.queue[0]
	b.queue[0] = zero
	b.queue = b.queue[1:]

	return v, true
}

// Drain removes and returns everything pending, oldest first.
func (b *Bus[T]) Drain() []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := b.queue
	b.queue = nil

	return out
}

// Len returns the number of pending values.
func (b *Bus[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.queue)
}

// Ready is signaled after a Send. A single signal may cover several values,
// so consumers drain fully after each wake-up.
func (b *Bus[T]) Ready() <-chan struct{} {
	return b.notify
}

// Close stops accepting values. Pending values can still be drained.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}
