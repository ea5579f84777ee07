// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Per-relay session: one connection, its subscriptions and publishes.
package relay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/nbd-wtf/go-nostr"

	"github.com/girino/nostr-rx/internal/queue"
	"github.com/girino/nostr-rx/logging"
)

// Hooks let the owner observe a session. They run on the session loop and
// must not block.
type Hooks struct {
	OnState    func(url string, st State)
	OnError    func(err *Error)
	OnOutgoing func(url string, frame []byte)
	OnEvent    func(url string)
}

// Info is a point-in-time view of a session.
type Info struct {
	URL      string
	State    State
	Default  bool
	Active   int
	Queued   int
	Inflight int
	Counts   int
	Capacity int
}

// Session owns the link, auth channel, subscription queue and publish
// tracker of one relay. Every mutation runs on a single goroutine fed by an
// unbounded mailbox, so public methods never block.
type Session struct {
	url   string
	cfg   Config
	hooks Hooks

	mailbox *queue.Queue[func()]
	done    chan struct{}

	link   *link
	auth   *authChannel
	subs   *subQueue
	pubs   *publishTracker
	counts map[string]*countRequest

	isDefault bool
	idleTimer *clock.Timer
	idleGen   uint64
	disposed  bool

	state       atomic.Int32
	disposeOnce sync.Once
	cancelHint  context.CancelFunc
}

// NewSession creates a session for url. url must already be normalized.
func NewSession(url string, cfg Config, hooks Hooks) *Session {
	cfg.withDefaults()
	s := &Session{
		url:     url,
		cfg:     cfg,
		hooks:   hooks,
		mailbox: queue.New[func()](),
		done:    make(chan struct{}),
		counts:  make(map[string]*countRequest),
	}
	s.link = newLink(url, &s.cfg, s.post, s)
	s.auth = newAuthChannel(url, &s.cfg, s.link.send, s.post, s.linkError)
	s.subs = newSubQueue(s)
	s.pubs = newPublishTracker(s)

	go s.run()

	if s.cfg.SkipFetchCapabilityHint {
		s.post(func() { s.subs.setCapacity(0) })
	} else {
		ctx, cancel := context.WithCancel(context.Background())
		s.cancelHint = cancel
		caps := s.cfg.Capabilities
		go func() {
			n := caps.MaxSubscriptions(ctx, url)
			s.post(func() { s.subs.setCapacity(n) })
		}()
	}
	return s
}

func (s *Session) run() {
	defer close(s.done)
	for f := range s.mailbox.C() {
		f()
	}
}

func (s *Session) post(f func()) bool {
	return s.mailbox.Push(f)
}

// URL returns the normalized relay URL.
func (s *Session) URL() string { return s.url }

// State returns the current link state.
func (s *Session) State() State { return State(s.state.Load()) }

// Done is closed once the session loop has exited after Dispose.
func (s *Session) Done() <-chan struct{} { return s.done }

// Connect opens the connection if it is idle.
func (s *Session) Connect() {
	s.post(func() { s.link.connect() })
}

// Reconnect is the manual recovery path out of the error and rejected states.
func (s *Session) Reconnect() {
	s.post(func() { s.link.reconnect() })
}

// MarkAsDefault flags the session as a default relay. Revoking the flag
// closes every default-mode subscription.
func (s *Session) MarkAsDefault(flag bool) {
	s.post(func() {
		prev := s.isDefault
		s.isDefault = flag
		if prev && !flag {
			s.subs.unsubscribeMode(ModeDefault, ErrNoLongerDefault)
		}
		s.evaluate()
	})
}

// Subscribe registers req. Default-mode requests are refused unless the
// session is a default relay.
func (s *Session) Subscribe(req SubRequest) {
	ok := s.post(func() {
		if s.disposed {
			req.Sink(Packet{Kind: PacketDone, From: s.url, SubID: req.ID, Err: ErrDisposed})
			return
		}
		if req.Mode == ModeDefault && !s.isDefault {
			req.Sink(Packet{Kind: PacketDone, From: s.url, SubID: req.ID, Err: ErrNoLongerDefault})
			return
		}
		s.subs.subscribe(req)
		if st := s.link.state; st.Terminal() && s.subs.subs[req.ID] != nil {
			// no REQ goes out until a manual reconnect
			req.Sink(Packet{Kind: PacketState, From: s.url, SubID: req.ID, State: st})
		}
		s.evaluate()
	})
	if !ok {
		req.Sink(Packet{Kind: PacketDone, From: s.url, SubID: req.ID, Err: ErrDisposed})
	}
}

// Unsubscribe closes subscription id.
func (s *Session) Unsubscribe(id string) {
	s.post(func() { s.subs.unsubscribe(id, nil) })
}

// Publish sends ev and reports its OK to sink.
func (s *Session) Publish(ev nostr.Event, sink OKSink) {
	ok := s.post(func() {
		if s.disposed {
			if sink != nil {
				sink(OKPacket{From: s.url, EventID: ev.ID, Err: ErrDisposed})
			}
			return
		}
		if st := s.link.state; st.Terminal() {
			if sink != nil {
				sink(OKPacket{From: s.url, EventID: ev.ID, Err: fmt.Errorf("%w: %s", ErrConnectionLost, st)})
			}
			return
		}
		s.pubs.publish(ev, sink)
		s.evaluate()
	})
	if !ok && sink != nil {
		sink(OKPacket{From: s.url, EventID: ev.ID, Err: ErrDisposed})
	}
}

// Giveup stops tracking eventID.
func (s *Session) Giveup(eventID string) {
	s.post(func() { s.pubs.giveup(eventID) })
}

// Inspect returns a snapshot of the session. It reports false once the
// session is gone or ctx ends.
func (s *Session) Inspect(ctx context.Context) (Info, bool) {
	ch := make(chan Info, 1)
	if !s.post(func() {
		active, queued := s.subs.counts()
		ch <- Info{
			URL:      s.url,
			State:    s.link.state,
			Default:  s.isDefault,
			Active:   active,
			Queued:   queued,
			Inflight: s.pubs.inflight(),
			Counts:   len(s.counts),
			Capacity: s.subs.capacity,
		}
	}) {
		return Info{}, false
	}
	select {
	case info := <-ch:
		return info, true
	case <-s.done:
		return Info{}, false
	case <-ctx.Done():
		return Info{}, false
	}
}

// Dispose closes the connection for good. Repeated calls have no effect.
func (s *Session) Dispose() {
	s.disposeOnce.Do(func() {
		s.post(s.dispose)
		s.mailbox.Close()
	})
}

func (s *Session) dispose() {
	if s.disposed {
		return
	}
	logging.DebugMethod("session", "dispose", "disposing %s", s.url)
	s.disposed = true
	s.stopIdle()
	if s.cancelHint != nil {
		s.cancelHint()
	}
	s.auth.dispose()
	s.link.dispose()
}

func (s *Session) refcount() int {
	return s.subs.len() + s.pubs.inflight() + len(s.counts)
}

// evaluate applies the connection strategy after any change to the
// reference count or the default flag.
func (s *Session) evaluate() {
	if s.disposed {
		return
	}
	keep := s.isDefault && (s.cfg.Strategy == StrategyLazyKeep || s.cfg.Strategy == StrategyAggressive)
	if s.isDefault && s.cfg.Strategy == StrategyAggressive {
		s.link.connect()
	}
	if keep || s.refcount() > 0 {
		s.stopIdle()
		return
	}
	if s.idleTimer != nil || s.cfg.DisconnectTimeout <= 0 {
		return
	}
	s.idleGen++
	gen := s.idleGen
	s.idleTimer = s.cfg.Clock.AfterFunc(s.cfg.DisconnectTimeout, func() {
		s.post(func() { s.onIdle(gen) })
	})
}

func (s *Session) stopIdle() {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
	s.idleGen++
}

func (s *Session) onIdle(gen uint64) {
	if gen != s.idleGen || s.disposed {
		return
	}
	s.idleTimer = nil
	keep := s.isDefault && (s.cfg.Strategy == StrategyLazyKeep || s.cfg.Strategy == StrategyAggressive)
	if keep || s.refcount() > 0 {
		return
	}
	logging.DebugMethod("session", "onIdle", "%s idle, disconnecting", s.url)
	s.link.disconnect()
}

// linkHandler

func (s *Session) linkFrame(env nostr.Envelope) {
	switch env := env.(type) {
	case *nostr.EventEnvelope:
		if s.hooks.OnEvent != nil {
			s.hooks.OnEvent(s.url)
		}
		s.subs.onEvent(env)
	case *nostr.EOSEEnvelope:
		s.subs.onEOSE(string(*env))
	case *nostr.OKEnvelope:
		if !s.auth.handleOK(env) {
			s.pubs.onOK(env)
		}
	case *nostr.ClosedEnvelope:
		if !s.countClosed(env) {
			s.subs.onClosed(env)
		}
	case *nostr.CountEnvelope:
		s.countResult(env)
	case *nostr.AuthEnvelope:
		if env.Challenge != nil {
			s.auth.onChallenge(*env.Challenge)
		}
	case *nostr.NoticeEnvelope:
		logging.DebugMethod("session", "linkFrame", "%s notice: %s", s.url, string(*env))
		s.linkError(&Error{URL: s.url, Kind: KindNotice, Err: noticeError(string(*env))})
	}
}

func (s *Session) linkOpened() {
	s.auth.reset()
	s.auth.preauth()
}

func (s *Session) linkReconnected(unsent [][]byte) {
	logging.DebugMethod("session", "linkReconnected", "%s reconnected, %d frames were pending", s.url, len(unsent))
	s.auth.reset()
	s.auth.preauth()
	s.subs.replay()
	s.pubs.replay()
	s.replayCounts()
}

func (s *Session) linkState(from, to State) {
	s.state.Store(int32(to))
	if s.hooks.OnState != nil {
		s.hooks.OnState(s.url, to)
	}
	s.subs.onState(to)
	s.pubs.onState(to)
	s.failCounts(to)
}

func (s *Session) linkError(err *Error) {
	if err.Kind == KindRejected || err.Kind == KindRetryExhausted {
		logging.Warn("[session] %v", err)
	}
	if s.hooks.OnError != nil {
		s.hooks.OnError(err)
	}
}

func (s *Session) linkOutgoing(frame []byte) {
	if s.hooks.OnOutgoing != nil {
		s.hooks.OnOutgoing(s.url, frame)
	}
}
