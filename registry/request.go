// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// request - emission requests and their completion.
package registry

import (
	"sync"

	"github.com/nbd-wtf/go-nostr"
)

// Request is a stream of filter emissions handed to Registry.Use.
type Request interface {
	strategy() string
}

// ForwardReq keeps one live subscription per use. Every emission replaces
// the previous filters on the same subscription id; an empty emission
// closes it on every relay while keeping the stream open. New uses start
// from the latest emission.
type ForwardReq struct {
	emitMu sync.Mutex

	mu      sync.Mutex
	latest  nostr.Filters
	emitted bool
	uses    map[*forwardUse]struct{}
}

func NewForwardReq() *ForwardReq {
	return &ForwardReq{uses: make(map[*forwardUse]struct{})}
}

func (r *ForwardReq) strategy() string { return "forward" }

// Emit replaces the filters of every use of r.
func (r *ForwardReq) Emit(filters ...nostr.Filter) {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()

	r.mu.Lock()
	r.latest = nostr.Filters(filters)
	r.emitted = true
	uses := make([]*forwardUse, 0, len(r.uses))
	for u := range r.uses {
		uses = append(uses, u)
	}
	r.mu.Unlock()

	for _, u := range uses {
		u.emit(r.latest)
	}
}

func (r *ForwardReq) attach(u *forwardUse) {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()

	r.mu.Lock()
	r.uses[u] = struct{}{}
	latest, emitted := r.latest, r.emitted
	r.mu.Unlock()

	if emitted {
		u.emit(latest)
	}
}

func (r *ForwardReq) detach(u *forwardUse) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.uses, u)
}

// BackwardReq runs every emission as an independent, self-closing
// subscription. Emissions made before the first use are delivered to it.
// Over ends the request: streams close once their emissions complete.
type BackwardReq struct {
	emitMu sync.Mutex

	mu       sync.Mutex
	pending  []nostr.Filters
	attached bool
	over     bool
	uses     map[*backwardUse]struct{}
}

func NewBackwardReq() *BackwardReq {
	return &BackwardReq{uses: make(map[*backwardUse]struct{})}
}

func (r *BackwardReq) strategy() string { return "backward" }

// Emit starts a new enumeration on every use of r.
func (r *BackwardReq) Emit(filters ...nostr.Filter) {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()

	r.mu.Lock()
	if r.over {
		r.mu.Unlock()
		return
	}
	if !r.attached {
		r.pending = append(r.pending, nostr.Filters(filters))
		r.mu.Unlock()
		return
	}
	uses := r.snapshot()
	r.mu.Unlock()

	for _, u := range uses {
		u.emit(nostr.Filters(filters))
	}
}

// Over marks the request as finished.
func (r *BackwardReq) Over() {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()

	r.mu.Lock()
	if r.over {
		r.mu.Unlock()
		return
	}
	r.over = true
	uses := r.snapshot()
	r.mu.Unlock()

	for _, u := range uses {
		u.end()
	}
}

func (r *BackwardReq) snapshot() []*backwardUse {
	uses := make([]*backwardUse, 0, len(r.uses))
	for u := range r.uses {
		uses = append(uses, u)
	}
	return uses
}

func (r *BackwardReq) attach(u *backwardUse) {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()

	r.mu.Lock()
	r.uses[u] = struct{}{}
	var pending []nostr.Filters
	if !r.attached {
		r.attached = true
		pending = r.pending
		r.pending = nil
	}
	over := r.over
	r.mu.Unlock()

	for _, f := range pending {
		u.emit(f)
	}
	if over {
		u.end()
	}
}

func (r *BackwardReq) detach(u *backwardUse) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.uses, u)
}
