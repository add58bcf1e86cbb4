// Package eventqueue provides an unbounded, ordered queue with channel ends,
// so that a producer never blocks on a slow consumer.
package eventqueue

import "sync"

// Queue represents an unbounded FIFO, but items are entered and removed via
// channels. Use pointers or small values for T; every queued item is held
// until the consumer reads it.
type Queue[T any] struct {
	in        chan T
	out       chan T
	queue     []T
	closeOnce sync.Once
}

// New creates a Queue and starts the goroutine that moves items from In to Out.
func New[T any]() *Queue[T] {
	q := &Queue[T]{
		in:  make(chan T),
		out: make(chan T),
	}
	go q.run()
	return q
}

func (q *Queue[T]) run() {
	for {
		if len(q.queue) == 0 {
			val, ok := <-q.in
			if !ok {
				close(q.out)
				return
			}
			q.queue = append(q.queue, val)
			continue
		}
		select {
		case q.out <- q.queue[0]:
			var zero T
			q.queue[0] = zero
			q.queue = q.queue[1:]
		case val, ok := <-q.in:
			if !ok {
				// Drain what is queued, then close the output.
				for _, item := range q.queue {
					q.out <- item
				}
				q.queue = nil
				close(q.out)
				return
			}
			q.queue = append(q.queue, val)
		}
	}
}

// Push enqueues v. It must not be called after Close.
func (q *Queue[T]) Push(v T) {
	q.in <- v
}

// Out returns the channel on which queued items are delivered in order.
// It is closed after Close once every queued item has been delivered.
func (q *Queue[T]) Out() <-chan T {
	return q.out
}

// Close stops accepting items. It is safe to call more than once.
func (q *Queue[T]) Close() {
	q.closeOnce.Do(func() { close(q.in) })
}

// Discard closes the queue and drops whatever the consumer has not read.
func (q *Queue[T]) Discard() {
	q.Close()
	go func() {
		for range q.out {
		}
	}()
}
