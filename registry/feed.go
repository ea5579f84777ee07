// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// feed - packet fan-in from relay sessions.
package registry

import (
	"sync"

	"github.com/girino/nostr-rx/internal/queue"
)

// Feed is one observer of a registry-wide stream. Items are never dropped;
// call Close when no longer reading.
type Feed[T any] struct {
	q    *queue.Queue[T]
	hub  *hub[T]
	once sync.Once
}

// C delivers the stream. It is closed by Close or when the registry is disposed.
func (f *Feed[T]) C() <-chan T {
	return f.q.C()
}

// Close stops the feed and discards anything unread.
func (f *Feed[T]) Close() {
	f.once.Do(func() {
		f.hub.remove(f)
		f.q.Abort()
	})
}

type hub[T any] struct {
	mu     sync.Mutex
	feeds  map[*Feed[T]]struct{}
	closed bool
}

func newHub[T any]() *hub[T] {
	return &hub[T]{feeds: make(map[*Feed[T]]struct{})}
}

func (h *hub[T]) subscribe() *Feed[T] {
	f := &Feed[T]{q: queue.New[T](), hub: h}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		f.q.Close()
		return f
	}
	h.feeds[f] = struct{}{}
	return f
}

func (h *hub[T]) remove(f *Feed[T]) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.feeds, f)
}

func (h *hub[T]) publish(v T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for f := range h.feeds {
		f.q.Push(v)
	}
}

func (h *hub[T]) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for f := range h.feeds {
		f.q.Close()
	}
	h.feeds = nil
}
