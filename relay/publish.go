// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// publish - EVENT publication records and OK tracking.
package relay

import (
	"fmt"

	"github.com/nbd-wtf/go-nostr"

	"github.com/girino/nostr-rx/logging"
)

type publishRecord struct {
	event       nostr.Event
	sinks       []OKSink
	waitingAuth bool
	authRetries int
}

// publishTracker keeps EVENTs until the relay answers with OK.
type publishTracker struct {
	s *Session

	records map[string]*publishRecord
	order   []string
}

func newPublishTracker(s *Session) *publishTracker {
	return &publishTracker{s: s, records: make(map[string]*publishRecord)}
}

func (p *publishTracker) inflight() int {
	return len(p.records)
}

func (p *publishTracker) publish(ev nostr.Event, sink OKSink) {
	rec, ok := p.records[ev.ID]
	if !ok {
		rec = &publishRecord{event: ev}
		p.records[ev.ID] = rec
		p.order = append(p.order, ev.ID)
	}
	if sink != nil {
		rec.sinks = append(rec.sinks, sink)
	}
	if !rec.waitingAuth {
		p.sendEVENT(rec)
	}
}

func (p *publishTracker) sendEVENT(rec *publishRecord) {
	frame, err := nostr.EventEnvelope{Event: rec.event}.MarshalJSON()
	if err != nil {
		p.finalize(rec.event.ID, OKPacket{Err: fmt.Errorf("encode EVENT: %w", err)})
		return
	}
	p.s.link.send(frame)
}

func (p *publishTracker) onOK(env *nostr.OKEnvelope) {
	rec, ok := p.records[env.EventID]
	if !ok {
		return
	}
	if !env.OK && IsAuthRequired(env.Reason) && rec.authRetries < 1 && p.s.auth.enabled {
		rec.authRetries++
		rec.waitingAuth = true
		reason := env.Reason
		p.s.auth.next(func(err error) {
			if p.records[env.EventID] != rec {
				return
			}
			rec.waitingAuth = false
			if err != nil {
				p.finalize(env.EventID, OKPacket{OK: false, Notice: reason, Err: err})
				return
			}
			p.sendEVENT(rec)
		})
		return
	}
	p.finalize(env.EventID, OKPacket{OK: env.OK, Notice: env.Reason})
}

func (p *publishTracker) finalize(id string, res OKPacket) {
	rec, ok := p.records[id]
	if !ok {
		return
	}
	p.remove(id)
	res.From = p.s.url
	res.EventID = id
	for _, sink := range rec.sinks {
		sink(res)
	}
	p.s.evaluate()
}

func (p *publishTracker) remove(id string) {
	delete(p.records, id)
	for i, x := range p.order {
		if x == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

// giveup forgets id without reporting an outcome.
func (p *publishTracker) giveup(id string) {
	if _, ok := p.records[id]; !ok {
		return
	}
	logging.DebugMethod("publish", "giveup", "%s: giving up on %s", p.s.url, id)
	p.remove(id)
	p.s.evaluate()
}

func (p *publishTracker) replay() {
	for _, id := range p.order {
		rec := p.records[id]
		rec.authRetries = 0
		if !rec.waitingAuth {
			p.sendEVENT(rec)
		}
	}
}

// onState fails every pending record once the link cannot deliver them.
func (p *publishTracker) onState(st State) {
	if !st.Terminal() {
		return
	}
	cause := ErrDisposed
	if st != StateTerminated {
		cause = fmt.Errorf("%w: %s", ErrConnectionLost, st)
	}
	for _, id := range append([]string(nil), p.order...) {
		p.finalize(id, OKPacket{Err: cause})
	}
}
