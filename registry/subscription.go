// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// subscription - per-relay subscription bookkeeping.
package registry

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nbd-wtf/go-nostr"

	"github.com/girino/nostr-rx/internal/queue"
)

// EventPacket is one event delivered to a subscription.
type EventPacket struct {
	From  string
	SubID string
	Event *nostr.Event
}

// Subscription is the merged stream of one Use.
type Subscription struct {
	events    *queue.Queue[EventPacket]
	completed *queue.Queue[string]
	done      chan struct{}

	seen *lru.Cache[string, struct{}]

	onClose func()
	once    sync.Once
}

func newSubscription(dedup int) *Subscription {
	s := &Subscription{
		events:    queue.New[EventPacket](),
		completed: queue.New[string](),
		done:      make(chan struct{}),
	}
	if dedup > 0 {
		s.seen, _ = lru.New[string, struct{}](dedup)
	}
	return s
}

// Events delivers every accepted event. It closes when the subscription ends.
func (s *Subscription) Events() <-chan EventPacket {
	return s.events.C()
}

// Completed delivers the subscription id of each finished backward
// emission. Forward subscriptions never send on it.
func (s *Subscription) Completed() <-chan string {
	return s.completed.C()
}

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Close ends the subscription, sending CLOSE to every relay still serving it.
func (s *Subscription) Close() {
	s.end(true)
}

func (s *Subscription) end(abort bool) {
	s.once.Do(func() {
		if s.onClose != nil {
			s.onClose()
		}
		if abort {
			s.events.Abort()
			s.completed.Abort()
		} else {
			s.events.Close()
			s.completed.Close()
		}
		close(s.done)
	})
}

func (s *Subscription) push(p EventPacket) bool {
	if s.seen != nil {
		if ok, _ := s.seen.ContainsOrAdd(p.Event.ID, struct{}{}); ok {
			return false
		}
	}
	return s.events.Push(p)
}
