// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// send - publication fan-out across write relays.
package registry

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/nbd-wtf/go-nostr"

	"github.com/girino/nostr-rx/internal/queue"
	"github.com/girino/nostr-rx/logging"
	"github.com/girino/nostr-rx/relay"
)

// Publication tracks one Send across its target relays. Results receives one
// packet per relay and closes once every relay has answered, timed out or
// failed.
type Publication struct {
	event   nostr.Event
	results *queue.Queue[relay.OKPacket]
	done    chan struct{}

	r     *Registry
	timer *clock.Timer

	mu        sync.Mutex
	pending   map[string]*relay.Session
	collected []relay.OKPacket
	once      sync.Once
}

// Event returns the signed event.
func (p *Publication) Event() nostr.Event { return p.event }

// EventID returns the id of the published event.
func (p *Publication) EventID() string { return p.event.ID }

// Results delivers the outcome on each relay.
func (p *Publication) Results() <-chan relay.OKPacket { return p.results.C() }

// Done is closed once every relay has reported.
func (p *Publication) Done() <-chan struct{} { return p.done }

// Wait blocks until every relay has reported or ctx ends, and returns the
// outcomes collected so far.
func (p *Publication) Wait(ctx context.Context) ([]relay.OKPacket, error) {
	select {
	case <-p.done:
	case <-ctx.Done():
		return p.Collected(), ctx.Err()
	}
	return p.Collected(), nil
}

// Collected returns the outcomes reported so far.
func (p *Publication) Collected() []relay.OKPacket {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]relay.OKPacket(nil), p.collected...)
}

// Accepted reports how many relays answered OK true.
func (p *Publication) Accepted() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, res := range p.collected {
		if res.OK && res.Err == nil {
			n++
		}
	}
	return n
}

func (p *Publication) deliver(res relay.OKPacket) {
	p.mu.Lock()
	if _, ok := p.pending[res.From]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.pending, res.From)
	p.collected = append(p.collected, res)
	remaining := len(p.pending)
	p.mu.Unlock()

	switch {
	case res.Err != nil:
	case res.OK:
		p.r.stats.okAccepted.Add(1)
	default:
		p.r.stats.okRejected.Add(1)
	}
	p.results.Push(res)
	if remaining == 0 {
		p.finish()
	}
}

// abandon reports err for every relay still pending and stops tracking the
// event on them.
func (p *Publication) abandon(err error) {
	p.mu.Lock()
	left := make(map[string]*relay.Session, len(p.pending))
	for url, s := range p.pending {
		left[url] = s
	}
	p.mu.Unlock()

	for url, s := range left {
		s.Giveup(p.event.ID)
		p.deliver(relay.OKPacket{From: url, EventID: p.event.ID, Err: err})
	}
}

func (p *Publication) finish() {
	p.once.Do(func() {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.results.Close()
		close(p.done)
	})
}

// Send publishes ev to OnRelays or to the writable default relays. Unsigned
// events are signed with SignWith or the configured signer first. Relays
// that do not answer within the OK timeout report ErrOKTimeout. Cancelling
// ctx abandons the relays still pending.
func (r *Registry) Send(ctx context.Context, ev nostr.Event, opts ...CallOption) (*Publication, error) {
	if r.disposed.Load() {
		return nil, ErrDisposed
	}
	o := buildCallOptions(opts)

	if ev.Sig == "" {
		s := o.signer
		if s == nil {
			s = r.cfg.Relay.Signer
		}
		if s == nil {
			return nil, ErrNoSigner
		}
		if err := s.SignEvent(ctx, &ev); err != nil {
			return nil, err
		}
	}

	var targets map[string]*relay.Session
	if len(o.relays) > 0 {
		var err error
		if targets, err = r.sessionsFor(o.relays); err != nil {
			return nil, err
		}
	} else {
		targets = r.defaultSessions(true)
	}
	if len(targets) == 0 {
		return nil, ErrNoTargets
	}

	p := &Publication{
		event:   ev,
		results: queue.New[relay.OKPacket](),
		done:    make(chan struct{}),
		r:       r,
		pending: make(map[string]*relay.Session, len(targets)),
	}
	for url, s := range targets {
		p.pending[url] = s
	}
	p.timer = r.clock.AfterFunc(r.cfg.OKTimeout, func() {
		p.mu.Lock()
		n := len(p.pending)
		p.mu.Unlock()
		if n > 0 {
			logging.DebugMethod("registry", "Send", "%s: %d relays did not answer", ev.ID, n)
			r.stats.okTimeouts.Add(int64(n))
			p.abandon(ErrOKTimeout)
		}
	})

	r.stats.publishes.Add(1)
	logging.DebugMethod("registry", "Send", "publishing %s to %d relays", ev.ID, len(targets))
	for _, s := range targets {
		s.Publish(ev, p.deliver)
	}

	if done := ctx.Done(); done != nil {
		go func() {
			select {
			case <-done:
				p.abandon(ctx.Err())
			case <-p.done:
			}
		}()
	}
	return p, nil
}
