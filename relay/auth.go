// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// auth - NIP-42 challenge handling.
package relay

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/nbd-wtf/go-nostr"

	"github.com/girino/nostr-rx/logging"
	"github.com/girino/nostr-rx/signer"
)

const authRequiredPrefix = "auth-required:"

// IsAuthRequired reports whether a CLOSED or OK message asks for NIP-42 auth.
func IsAuthRequired(reason string) bool {
	return strings.HasPrefix(reason, authRequiredPrefix)
}

type authWaiter struct {
	cb    func(error)
	timer *clock.Timer
	done  bool
}

// authChannel tracks the latest challenge on one connection and answers it.
// At most one AUTH event is outstanding at a time; a new challenge
// supersedes any response still in flight for the old one.
type authChannel struct {
	url     string
	enabled bool
	cfg     *AuthConfig
	signer  signer.Signer
	store   signer.ChallengeStore
	clock   clock.Clock
	timeout time.Duration
	send    func([]byte)
	post    func(func()) bool
	report  func(*Error)

	// seq increments whenever the current challenge changes so signatures
	// finishing late can be recognized as stale.
	seq       uint64
	challenge string
	stored    bool
	signing   bool
	eventID   string
	pubkey    string
	settled   bool
	result    error

	waiters []*authWaiter
}

func newAuthChannel(url string, cfg *Config, send func([]byte), post func(func()) bool, report func(*Error)) *authChannel {
	a := &authChannel{
		url:     url,
		enabled: cfg.Auth != nil && cfg.authSigner() != nil,
		cfg:     cfg.Auth,
		signer:  cfg.authSigner(),
		store:   cfg.ChallengeStore,
		clock:   cfg.Clock,
		timeout: cfg.AuthTimeout,
		send:    send,
		post:    post,
		report:  report,
	}
	return a
}

// reset forgets the challenge of a previous connection.
func (a *authChannel) reset() {
	a.seq++
	a.challenge = ""
	a.stored = false
	a.signing = false
	a.eventID = ""
	a.settled = false
	a.result = nil
}

// preauth answers a remembered challenge right after connecting, unless the
// relay sends a fresh one first.
func (a *authChannel) preauth() {
	if !a.enabled || a.store == nil {
		return
	}
	seq := a.seq
	sg, store, url := a.signer, a.store, a.url
	go func() {
		pk, err := sg.GetPublicKey(context.Background())
		if err != nil {
			return
		}
		ch, ok := store.Load(pk, url)
		if !ok {
			return
		}
		a.post(func() {
			if seq != a.seq || a.challenge != "" {
				return
			}
			logging.DebugMethod("auth", "preauth", "%s answering stored challenge", a.url)
			a.challenge = ch
			a.stored = true
			a.respond()
		})
	}()
}

func (a *authChannel) onChallenge(challenge string) {
	if challenge == "" || (challenge == a.challenge && !a.stored) {
		return
	}
	logging.DebugMethod("auth", "onChallenge", "%s sent challenge %s", a.url, challenge)
	a.seq++
	a.challenge = challenge
	a.stored = false
	a.signing = false
	a.eventID = ""
	a.settled = false
	a.result = nil

	if !a.enabled {
		return
	}
	if (a.cfg != nil && a.cfg.Aggressive) || len(a.waiters) > 0 {
		a.respond()
	}
}

func (a *authChannel) respond() {
	if a.signing || a.eventID != "" || a.settled || a.challenge == "" {
		return
	}
	a.signing = true
	seq := a.seq
	ev := nostr.Event{
		Kind:      nostr.KindClientAuthentication,
		CreatedAt: nostr.Timestamp(a.clock.Now().Unix()),
		Tags: nostr.Tags{
			{"relay", a.url},
			{"challenge", a.challenge},
		},
		Content: "",
	}
	sg := a.signer
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()
		err := sg.SignEvent(ctx, &ev)
		a.post(func() { a.onSigned(seq, ev, err) })
	}()
}

func (a *authChannel) onSigned(seq uint64, ev nostr.Event, err error) {
	if seq != a.seq {
		return
	}
	a.signing = false
	if err != nil {
		a.settle(fmt.Errorf("%w: signing: %v", ErrAuthFailed, err))
		return
	}
	a.eventID = ev.ID
	a.pubkey = ev.PubKey
	frame, err := nostr.AuthEnvelope{Event: ev}.MarshalJSON()
	if err != nil {
		a.settle(fmt.Errorf("%w: %v", ErrAuthFailed, err))
		return
	}
	a.send(frame)
}

// handleOK consumes the OK answering our AUTH event. It reports false for
// OKs that belong to someone else.
func (a *authChannel) handleOK(env *nostr.OKEnvelope) bool {
	if a.eventID == "" || env.EventID != a.eventID {
		return false
	}
	a.eventID = ""
	if !env.OK {
		logging.DebugMethod("auth", "handleOK", "%s refused auth: %s", a.url, env.Reason)
		a.settle(fmt.Errorf("%w: %s", ErrAuthFailed, env.Reason))
		return true
	}
	if a.store != nil && a.pubkey != "" {
		a.store.Store(a.pubkey, a.url, a.challenge)
	}
	a.settle(nil)
	return true
}

func (a *authChannel) settle(result error) {
	a.settled = true
	a.result = result
	if result != nil {
		a.report(&Error{URL: a.url, Kind: KindAuth, Err: result})
	}
	waiters := a.waiters
	a.waiters = nil
	for _, w := range waiters {
		a.finish(w, result)
	}
}

func (a *authChannel) finish(w *authWaiter, err error) {
	if w.done {
		return
	}
	w.done = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.cb(err)
}

// next calls cb once the connection is authenticated, or with an error when
// authentication fails or times out.
func (a *authChannel) next(cb func(error)) {
	if !a.enabled {
		cb(ErrAuthDisabled)
		return
	}
	if a.settled {
		cb(a.result)
		return
	}

	w := &authWaiter{cb: cb}
	a.waiters = append(a.waiters, w)
	w.timer = a.clock.AfterFunc(a.timeout, func() {
		a.post(func() { a.expire(w) })
	})
	a.respond()
}

func (a *authChannel) expire(w *authWaiter) {
	for i, x := range a.waiters {
		if x == w {
			a.waiters = append(a.waiters[:i], a.waiters[i+1:]...)
			break
		}
	}
	if !w.done {
		a.report(&Error{URL: a.url, Kind: KindAuth, Err: ErrAuthTimeout})
	}
	a.finish(w, ErrAuthTimeout)
}

func (a *authChannel) dispose() {
	a.seq++
	for _, w := range a.waiters {
		w.done = true
		if w.timer != nil {
			w.timer.Stop()
		}
	}
	a.waiters = nil
}
