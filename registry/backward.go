// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// backward - EOSE-bounded subscription uses.
package registry

import (
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/nbd-wtf/go-nostr"

	"github.com/girino/nostr-rx/logging"
	"github.com/girino/nostr-rx/relay"
)

// emission is one backward enumeration across its target relays.
type emission struct {
	id      string
	pending map[string]*relay.Session
	timers  map[string]*clock.Timer
}

// backwardUse runs each emission of a BackwardReq independently. A relay's
// part of an emission ends on EOSE, on CLOSED, when the relay reaches a
// terminal state, or when the EOSE timeout fires.
type backwardUse struct {
	r   *Registry
	req *BackwardReq
	sub *Subscription

	explicit []string

	mu        sync.Mutex
	emissions map[string]*emission
	over      bool
	closed    bool
}

func (r *Registry) useBackward(req *BackwardReq, o callOptions) (*Subscription, error) {
	u := &backwardUse{
		r:         r,
		req:       req,
		sub:       newSubscription(o.dedup),
		emissions: make(map[string]*emission),
	}
	if len(o.relays) > 0 {
		targets, err := r.sessionsFor(o.relays)
		if err != nil {
			return nil, err
		}
		for url := range targets {
			u.explicit = append(u.explicit, url)
		}
	}
	u.sub.onClose = u.close
	r.trackBackward(u)
	req.attach(u)
	return u.sub, nil
}

func (u *backwardUse) targets() (map[string]*relay.Session, relay.Mode) {
	if u.explicit != nil {
		out := make(map[string]*relay.Session, len(u.explicit))
		for _, url := range u.explicit {
			if s, err := u.r.session(url); err == nil {
				out[url] = s
			}
		}
		return out, relay.ModeTemporary
	}
	return u.r.defaultSessions(false), relay.ModeDefault
}

func (u *backwardUse) emit(filters nostr.Filters) {
	targets, mode := u.targets()
	id := u.r.nextSubID()

	u.mu.Lock()
	if u.closed || u.over {
		u.mu.Unlock()
		return
	}
	e := &emission{
		id:      id,
		pending: make(map[string]*relay.Session, len(targets)),
		timers:  make(map[string]*clock.Timer, len(targets)),
	}
	if len(filters) == 0 || len(targets) == 0 {
		u.mu.Unlock()
		u.sub.completed.Push(id)
		return
	}
	u.emissions[id] = e
	for url, s := range targets {
		url := url
		e.pending[url] = s
		e.timers[url] = u.r.clock.AfterFunc(u.r.cfg.EOSETimeout, func() {
			u.r.stats.eoseTimeouts.Add(1)
			logging.DebugMethod("registry", "emit", "%s: no EOSE from %s", id, url)
			u.segmentDone(id, url, true)
		})
	}
	u.mu.Unlock()

	logging.DebugMethod("registry", "emit", "%s on %d relays", id, len(targets))
	for _, s := range targets {
		u.r.stats.subscriptions.Add(1)
		s.Subscribe(relay.SubRequest{
			ID:        id,
			Filters:   filters,
			Mode:      mode,
			Autoclose: true,
			Sink:      u.sinkFor(id),
		})
	}
}

func (u *backwardUse) sinkFor(id string) relay.Sink {
	return func(p relay.Packet) {
		switch p.Kind {
		case relay.PacketEvent:
			u.sub.push(EventPacket{From: p.From, SubID: p.SubID, Event: p.Event})
		case relay.PacketDone:
			u.segmentDone(id, p.From, false)
		case relay.PacketState:
			if p.State.Terminal() {
				u.segmentDone(id, p.From, true)
			}
		}
	}
}

// segmentDone retires url from emission id. unsubscribe also removes the
// REQ from the relay session.
func (u *backwardUse) segmentDone(id, url string, unsubscribe bool) {
	u.mu.Lock()
	e, ok := u.emissions[id]
	if !ok {
		u.mu.Unlock()
		return
	}
	s, ok := e.pending[url]
	if !ok {
		u.mu.Unlock()
		return
	}
	delete(e.pending, url)
	if t := e.timers[url]; t != nil {
		t.Stop()
		delete(e.timers, url)
	}
	complete := len(e.pending) == 0
	if complete {
		delete(u.emissions, id)
	}
	finished := complete && u.over && len(u.emissions) == 0
	u.mu.Unlock()

	if unsubscribe {
		s.Unsubscribe(id)
	}
	if complete {
		logging.DebugMethod("registry", "segmentDone", "%s complete", id)
		u.sub.completed.Push(id)
	}
	if finished {
		u.sub.end(false)
	}
}

// end is called when the request is over. The stream closes once the
// emissions in flight complete.
func (u *backwardUse) end() {
	u.mu.Lock()
	u.over = true
	finished := !u.closed && len(u.emissions) == 0
	u.mu.Unlock()
	if finished {
		u.sub.end(false)
	}
}

func (u *backwardUse) close() {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return
	}
	u.closed = true
	type segment struct {
		id string
		s  *relay.Session
	}
	var open []segment
	for id, e := range u.emissions {
		for url, s := range e.pending {
			open = append(open, segment{id, s})
			if t := e.timers[url]; t != nil {
				t.Stop()
			}
		}
	}
	u.emissions = make(map[string]*emission)
	u.mu.Unlock()

	for _, seg := range open {
		seg.s.Unsubscribe(seg.id)
	}
	u.req.detach(u)
	u.r.untrackBackward(u)
}
