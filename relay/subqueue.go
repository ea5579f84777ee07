// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// subqueue - capacity-bounded REQ queue of a relay session.
package relay

import (
	"fmt"
	"strconv"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/girino/nostr-rx/logging"
)

// SubRequest asks a session to hold one REQ.
type SubRequest struct {
	ID        string
	Filters   nostr.Filters
	Mode      Mode
	Overwrite bool
	Autoclose bool
	Sink      Sink
}

type subscription struct {
	SubRequest
	active      bool
	waitingAuth bool
	authRetries int
	done        bool
}

// subQueue admits REQs against the relay's subscription limit. Entries are
// activated FIFO; already active entries keep their slot.
type subQueue struct {
	s *Session

	subs   map[string]*subscription
	active []*subscription
	queued []*subscription

	capacity      int
	capacityKnown bool
}

func newSubQueue(s *Session) *subQueue {
	return &subQueue{s: s, subs: make(map[string]*subscription)}
}

func (q *subQueue) len() int {
	return len(q.subs)
}

func (q *subQueue) setCapacity(n int) {
	logging.DebugMethod("subqueue", "setCapacity", "%s accepts %d subscriptions (0 = unbounded)", q.s.url, n)
	q.capacity = n
	q.capacityKnown = true
	q.activate()
}

func (q *subQueue) hasRoom() bool {
	return q.capacity <= 0 || len(q.active) < q.capacity
}

func (q *subQueue) subscribe(req SubRequest) {
	if ex, ok := q.subs[req.ID]; ok {
		if !req.Overwrite {
			return
		}
		ex.Filters = req.Filters
		ex.Mode = req.Mode
		ex.Autoclose = req.Autoclose
		ex.Sink = req.Sink
		ex.authRetries = 0
		if ex.active && !ex.waitingAuth {
			q.sendREQ(ex)
		}
		return
	}

	sub := &subscription{SubRequest: req}
	q.subs[req.ID] = sub
	q.queued = append(q.queued, sub)
	q.activate()
}

func (q *subQueue) activate() {
	if !q.capacityKnown {
		return
	}
	for len(q.queued) > 0 && q.hasRoom() {
		sub := q.queued[0]
		q.queued = q.queued[1:]
		sub.active = true
		q.active = append(q.active, sub)
		logging.DebugMethod("subqueue", "activate", "activated %s on %s", sub.ID, q.s.url)
		q.sendREQ(sub)
	}
}

func (q *subQueue) sendREQ(sub *subscription) {
	frame, err := nostr.ReqEnvelope{SubscriptionID: sub.ID, Filters: sub.Filters}.MarshalJSON()
	if err != nil {
		q.finalize(sub, fmt.Errorf("encode REQ: %w", err))
		return
	}
	q.s.link.send(frame)
}

func (q *subQueue) sendCLOSE(id string) {
	frame, _ := nostr.CloseEnvelope(id).MarshalJSON()
	q.s.link.send(frame)
}

func (q *subQueue) unsubscribe(id string, cause error) {
	sub, ok := q.subs[id]
	if !ok {
		return
	}
	if sub.active {
		q.sendCLOSE(id)
	}
	q.finalize(sub, cause)
}

// finalize drops sub without talking to the relay and frees its slot.
func (q *subQueue) finalize(sub *subscription, cause error) {
	if sub.done {
		return
	}
	sub.done = true
	delete(q.subs, sub.ID)
	q.active = removeSub(q.active, sub)
	q.queued = removeSub(q.queued, sub)
	sub.Sink(Packet{Kind: PacketDone, From: q.s.url, SubID: sub.ID, Err: cause})
	q.activate()
	q.s.evaluate()
}

func removeSub(list []*subscription, sub *subscription) []*subscription {
	for i, x := range list {
		if x == sub {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

func (q *subQueue) onEvent(env *nostr.EventEnvelope) {
	if env.SubscriptionID == nil {
		return
	}
	sub, ok := q.subs[*env.SubscriptionID]
	if !ok || !sub.active {
		return
	}
	ev := env.Event
	cfg := &q.s.cfg
	if !cfg.SkipVerify && !cfg.Verifier.VerifyEvent(&ev) {
		logging.DebugMethod("subqueue", "onEvent", "%s: invalid signature on %s", q.s.url, ev.ID)
		return
	}
	if !cfg.SkipValidateFilterMatching && !sub.Filters.Match(&ev) {
		logging.DebugMethod("subqueue", "onEvent", "%s: %s does not match %s", q.s.url, ev.ID, sub.ID)
		return
	}
	if !cfg.SkipExpirationCheck && isExpired(&ev, cfg.Clock.Now()) {
		logging.DebugMethod("subqueue", "onEvent", "%s: %s expired", q.s.url, ev.ID)
		return
	}
	sub.Sink(Packet{Kind: PacketEvent, From: q.s.url, SubID: sub.ID, Event: &ev})
}

func (q *subQueue) onEOSE(id string) {
	sub, ok := q.subs[id]
	if !ok || !sub.active {
		return
	}
	sub.Sink(Packet{Kind: PacketEOSE, From: q.s.url, SubID: id})
	if sub.Autoclose {
		q.unsubscribe(id, nil)
	}
}

func (q *subQueue) onClosed(env *nostr.ClosedEnvelope) {
	sub, ok := q.subs[env.SubscriptionID]
	if !ok {
		return
	}
	if IsAuthRequired(env.Reason) && sub.authRetries < 1 && q.s.auth.enabled {
		sub.authRetries++
		sub.waitingAuth = true
		q.s.auth.next(func(err error) {
			if q.subs[sub.ID] != sub {
				return
			}
			sub.waitingAuth = false
			if err != nil {
				q.finalize(sub, err)
				return
			}
			if sub.active {
				q.sendREQ(sub)
			}
		})
		return
	}
	sub.Sink(Packet{Kind: PacketClosed, From: q.s.url, SubID: sub.ID, Reason: env.Reason})
	q.finalize(sub, fmt.Errorf("%w: %s", ErrClosedByRelay, env.Reason))
}

// replay re-sends REQ for every live subscription after a reconnect,
// re-admitting them in registration order against the current capacity.
func (q *subQueue) replay() {
	all := append(append([]*subscription(nil), q.active...), q.queued...)
	q.active, q.queued = nil, nil
	for _, sub := range all {
		sub.active = false
		sub.authRetries = 0
		q.queued = append(q.queued, sub)
	}
	if !q.capacityKnown {
		return
	}
	for len(q.queued) > 0 && q.hasRoom() {
		sub := q.queued[0]
		q.queued = q.queued[1:]
		sub.active = true
		q.active = append(q.active, sub)
		if !sub.waitingAuth {
			q.sendREQ(sub)
		}
	}
}

// onState forwards link states to every sink. Termination finalizes all.
func (q *subQueue) onState(st State) {
	if st == StateTerminated {
		for _, sub := range append(append([]*subscription(nil), q.active...), q.queued...) {
			q.finalize(sub, ErrDisposed)
		}
		return
	}
	if !st.Terminal() {
		return
	}
	for _, sub := range append(append([]*subscription(nil), q.active...), q.queued...) {
		sub.Sink(Packet{Kind: PacketState, From: q.s.url, SubID: sub.ID, State: st})
	}
}

// unsubscribeMode closes every subscription of mode.
func (q *subQueue) unsubscribeMode(m Mode, cause error) {
	// queued first so freed slots are not handed to entries about to go
	for _, sub := range append(append([]*subscription(nil), q.queued...), q.active...) {
		if sub.Mode == m {
			q.unsubscribe(sub.ID, cause)
		}
	}
}

func (q *subQueue) counts() (active, queued int) {
	return len(q.active), len(q.queued)
}

func isExpired(ev *nostr.Event, now time.Time) bool {
	for _, tag := range ev.Tags {
		if len(tag) < 2 || tag[0] != "expiration" {
			continue
		}
		ts, err := strconv.ParseInt(tag[1], 10, 64)
		if err != nil {
			return false
		}
		return now.Unix() > ts
	}
	return false
}
