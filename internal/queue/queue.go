// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Package queue provides an unbounded FIFO with a channel-facing consumer side.
//
// Producers never block: items land in an overflow slice and a single pump
// goroutine moves them to the output channel as the consumer reads.
package queue

import "sync"

// Queue is an unbounded FIFO. Push never blocks; C delivers items in order.
type Queue[T any] struct {
	mu       sync.Mutex
	items    []T
	closed   bool
	signal   chan struct{}
	out      chan T
	abort    chan struct{}
	abortOne sync.Once
}

// New creates a Queue and starts its pump.
func New[T any]() *Queue[T] {
	q := &Queue[T]{
		signal: make(chan struct{}, 1),
		out:    make(chan T),
		abort:  make(chan struct{}),
	}
	go q.pump()
	return q
}

// Push appends v. It reports false if the queue was already closed.
func (q *Queue[T]) Push(v T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, v)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// Close stops accepting items. C is closed once the backlog is drained.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Abort closes the queue and discards the backlog. Used when the consumer
// has gone away.
func (q *Queue[T]) Abort() {
	q.Close()
	q.abortOne.Do(func() { close(q.abort) })
}

// Len returns the number of items not yet handed to the consumer.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// C returns the consumer channel.
func (q *Queue[T]) C() <-chan T {
	return q.out
}

func (q *Queue[T]) pump() {
	defer close(q.out)
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-q.signal:
			case <-q.abort:
				return
			}
			continue
		}
		v := q.items[0]
		var zero T
		q.items[0] = zero
		q.items = q.items[1:]
		q.mu.Unlock()

		select {
		case q.out <- v:
		case <-q.abort:
			return
		}
	}
}
