// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// forward - long-lived subscription uses.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/nbd-wtf/go-nostr"

	"github.com/girino/nostr-rx/logging"
	"github.com/girino/nostr-rx/relay"
)

// Use binds req to the registry and returns its merged event stream. With
// OnRelays the request targets exactly those relays; otherwise it follows
// the readable default relays. Cancelling ctx closes the subscription.
func (r *Registry) Use(ctx context.Context, req Request, opts ...CallOption) (*Subscription, error) {
	if r.disposed.Load() {
		return nil, ErrDisposed
	}
	o := buildCallOptions(opts)

	var (
		sub *Subscription
		err error
	)
	switch req := req.(type) {
	case *ForwardReq:
		sub, err = r.useForward(req, o)
	case *BackwardReq:
		sub, err = r.useBackward(req, o)
	default:
		return nil, fmt.Errorf("unsupported request %T", req)
	}
	if err != nil {
		return nil, err
	}

	if done := ctx.Done(); done != nil {
		go func() {
			select {
			case <-done:
				sub.Close()
			case <-sub.Done():
			}
		}()
	}
	return sub, nil
}

// forwardUse is one live forward subscription. Its subscription id never
// changes; every emission overwrites the REQ on all targets.
type forwardUse struct {
	r   *Registry
	req *ForwardReq
	sub *Subscription

	id   string
	mode relay.Mode

	mu      sync.Mutex
	targets map[string]*relay.Session
	filters nostr.Filters
	closed  bool
}

func (r *Registry) useForward(req *ForwardReq, o callOptions) (*Subscription, error) {
	u := &forwardUse{
		r:    r,
		req:  req,
		sub:  newSubscription(o.dedup),
		id:   r.nextSubID(),
		mode: relay.ModeDefault,
	}
	u.sub.onClose = u.close

	if len(o.relays) > 0 {
		targets, err := r.sessionsFor(o.relays)
		if err != nil {
			return nil, err
		}
		u.mode = relay.ModeTemporary
		u.targets = targets
		r.trackForward(u)
	} else {
		r.mu.Lock()
		u.targets = r.defaultSessionsLocked(false)
		r.forwardUses[u] = struct{}{}
		r.mu.Unlock()
	}

	logging.DebugMethod("registry", "useForward", "%s on %d relays (%s)", u.id, len(u.targets), u.mode)
	req.attach(u)
	return u.sub, nil
}

func (u *forwardUse) emit(filters nostr.Filters) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return
	}
	u.filters = filters
	for _, s := range u.targets {
		u.apply(s)
	}
}

// apply brings s in line with the current filters. Callers hold u.mu.
func (u *forwardUse) apply(s *relay.Session) {
	if len(u.filters) == 0 {
		s.Unsubscribe(u.id)
		return
	}
	u.r.stats.subscriptions.Add(1)
	s.Subscribe(relay.SubRequest{
		ID:        u.id,
		Filters:   u.filters,
		Mode:      u.mode,
		Overwrite: true,
		Sink:      u.sink,
	})
}

func (u *forwardUse) sink(p relay.Packet) {
	if p.Kind != relay.PacketEvent {
		return
	}
	u.sub.push(EventPacket{From: p.From, SubID: p.SubID, Event: p.Event})
}

// retarget follows a change of the readable default relays.
func (u *forwardUse) retarget(added, removed map[string]*relay.Session) {
	if u.mode != relay.ModeDefault {
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return
	}
	for url, s := range removed {
		if _, ok := u.targets[url]; ok {
			delete(u.targets, url)
			s.Unsubscribe(u.id)
		}
	}
	for url, s := range added {
		if _, ok := u.targets[url]; ok {
			continue
		}
		u.targets[url] = s
		if len(u.filters) > 0 {
			u.apply(s)
		}
	}
}

func (u *forwardUse) close() {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return
	}
	u.closed = true
	for _, s := range u.targets {
		s.Unsubscribe(u.id)
	}
	u.mu.Unlock()

	u.req.detach(u)
	u.r.untrackForward(u)
}
