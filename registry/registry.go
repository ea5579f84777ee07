// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Registry of relay sessions routing requests and publishes across relays.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/girino/nostr-rx/logging"
	"github.com/girino/nostr-rx/relay"
	"github.com/girino/nostr-rx/signer"
)

var (
	ErrDisposed   = errors.New("registry disposed")
	ErrNoSigner   = errors.New("no signer configured")
	ErrNoTargets  = errors.New("no target relays")
	ErrInvalidURL = errors.New("invalid relay url")
	ErrOKTimeout  = errors.New("publish timed out waiting for OK")
)

// RelayConfig is one entry of the default relay set.
type RelayConfig struct {
	URL   string `json:"url" yaml:"url"`
	Read  bool   `json:"read" yaml:"read"`
	Write bool   `json:"write" yaml:"write"`
}

// StatePacket reports a relay connection state change.
type StatePacket struct {
	From  string
	State relay.State
}

// OutgoingPacket is a frame written to a relay.
type OutgoingPacket struct {
	To    string
	Frame []byte
}

// CallOption tunes one Use, Send or Count call.
type CallOption func(*callOptions)

type callOptions struct {
	relays []string
	signer signer.Signer
	dedup  int
}

// OnRelays targets explicit relays instead of the default set.
func OnRelays(urls ...string) CallOption {
	return func(o *callOptions) { o.relays = append(o.relays, urls...) }
}

// SignWith signs the published event with s instead of the configured signer.
func SignWith(s signer.Signer) CallOption {
	return func(o *callOptions) { o.signer = s }
}

// Dedup drops events already delivered on the same subscription, remembering
// up to size ids.
func Dedup(size int) CallOption {
	return func(o *callOptions) { o.dedup = size }
}

func buildCallOptions(opts []CallOption) callOptions {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Registry owns every relay session and routes requests and publishes to
// them. All methods are safe for concurrent use.
type Registry struct {
	cfg   Config
	clock clock.Clock

	mu           sync.Mutex
	defaults     map[string]RelayConfig
	forwardUses  map[*forwardUse]struct{}
	backwardUses map[*backwardUse]struct{}

	sessions *xsync.MapOf[string, *relay.Session]
	seq      atomic.Uint64

	states   *hub[StatePacket]
	errs     *hub[*relay.Error]
	outgoing *hub[OutgoingPacket]

	stats counters

	disposed    atomic.Bool
	disposeOnce sync.Once
}

// New creates a registry with no default relays.
func New(opts ...Option) *Registry {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Relay.Clock == nil {
		cfg.Relay.Clock = clock.New()
	}
	return &Registry{
		cfg:          cfg,
		clock:        cfg.Relay.Clock,
		defaults:     make(map[string]RelayConfig),
		forwardUses:  make(map[*forwardUse]struct{}),
		backwardUses: make(map[*backwardUse]struct{}),
		sessions:     xsync.NewMapOf[string, *relay.Session](),
		states:       newHub[StatePacket](),
		errs:         newHub[*relay.Error](),
		outgoing:     newHub[OutgoingPacket](),
	}
}

func (r *Registry) nextSubID() string {
	return r.cfg.SubIDPrefix + ":" + strconv.FormatUint(r.seq.Add(1)-1, 10)
}

func normalize(url string) (string, error) {
	n := nostr.NormalizeURL(url)
	if n == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidURL, url)
	}
	return n, nil
}

func (r *Registry) hooks() relay.Hooks {
	return relay.Hooks{
		OnState: func(url string, st relay.State) {
			r.states.publish(StatePacket{From: url, State: st})
		},
		OnError: func(err *relay.Error) {
			r.stats.errors.Add(1)
			r.errs.publish(err)
		},
		OnOutgoing: func(url string, frame []byte) {
			r.outgoing.publish(OutgoingPacket{To: url, Frame: frame})
		},
		OnEvent: func(url string) {
			r.stats.eventsReceived.Add(1)
		},
	}
}

// session returns the session for url, creating it on first use.
func (r *Registry) session(url string) (*relay.Session, error) {
	if r.disposed.Load() {
		return nil, ErrDisposed
	}
	n, err := normalize(url)
	if err != nil {
		return nil, err
	}
	s, loaded := r.sessions.LoadOrCompute(n, func() *relay.Session {
		logging.DebugMethod("registry", "session", "creating session for %s", n)
		return relay.NewSession(n, r.cfg.Relay, r.hooks())
	})
	if !loaded && r.disposed.Load() {
		s.Dispose()
		return nil, ErrDisposed
	}
	return s, nil
}

func (r *Registry) sessionsFor(urls []string) (map[string]*relay.Session, error) {
	out := make(map[string]*relay.Session, len(urls))
	for _, u := range urls {
		s, err := r.session(u)
		if err != nil {
			return nil, err
		}
		out[s.URL()] = s
	}
	return out, nil
}

// defaultSessions returns sessions of default relays with the given flag.
// Callers hold r.mu.
func (r *Registry) defaultSessionsLocked(write bool) map[string]*relay.Session {
	out := make(map[string]*relay.Session)
	for url, rc := range r.defaults {
		if (write && !rc.Write) || (!write && !rc.Read) {
			continue
		}
		if s, ok := r.sessions.Load(url); ok {
			out[url] = s
		}
	}
	return out
}

func (r *Registry) defaultSessions(write bool) map[string]*relay.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.defaultSessionsLocked(write)
}

// SetDefaultRelays replaces the default relay set.
func (r *Registry) SetDefaultRelays(relays ...RelayConfig) error {
	next := make(map[string]RelayConfig, len(relays))
	for _, rc := range relays {
		n, err := normalize(rc.URL)
		if err != nil {
			return err
		}
		rc.URL = n
		next[n] = rc
	}
	return r.applyDefaults(func(map[string]RelayConfig) map[string]RelayConfig { return next })
}

// AddDefaultRelays adds or updates entries of the default relay set.
func (r *Registry) AddDefaultRelays(relays ...RelayConfig) error {
	add := make([]RelayConfig, 0, len(relays))
	for _, rc := range relays {
		n, err := normalize(rc.URL)
		if err != nil {
			return err
		}
		rc.URL = n
		add = append(add, rc)
	}
	return r.applyDefaults(func(prev map[string]RelayConfig) map[string]RelayConfig {
		next := make(map[string]RelayConfig, len(prev)+len(add))
		for k, v := range prev {
			next[k] = v
		}
		for _, rc := range add {
			next[rc.URL] = rc
		}
		return next
	})
}

// RemoveDefaultRelays drops urls from the default relay set.
func (r *Registry) RemoveDefaultRelays(urls ...string) error {
	return r.applyDefaults(func(prev map[string]RelayConfig) map[string]RelayConfig {
		next := make(map[string]RelayConfig, len(prev))
		for k, v := range prev {
			next[k] = v
		}
		for _, u := range urls {
			delete(next, nostr.NormalizeURL(u))
		}
		return next
	})
}

// DefaultRelays returns the default relay set sorted by URL.
func (r *Registry) DefaultRelays() []RelayConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RelayConfig, 0, len(r.defaults))
	for _, rc := range r.defaults {
		out = append(out, rc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

func (r *Registry) applyDefaults(change func(prev map[string]RelayConfig) map[string]RelayConfig) error {
	if r.disposed.Load() {
		return ErrDisposed
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.defaults
	next := change(prev)

	for url := range next {
		if _, ok := prev[url]; ok {
			continue
		}
		s, err := r.session(url)
		if err != nil {
			return err
		}
		s.MarkAsDefault(true)
	}
	for url := range prev {
		if _, ok := next[url]; ok {
			continue
		}
		if s, ok := r.sessions.Load(url); ok {
			s.MarkAsDefault(false)
		}
	}

	prevRead := r.defaultSessionsLocked(false)
	r.defaults = next
	nextRead := r.defaultSessionsLocked(false)

	added := make(map[string]*relay.Session)
	for url, s := range nextRead {
		if _, ok := prevRead[url]; !ok {
			added[url] = s
		}
	}
	removed := make(map[string]*relay.Session)
	for url, s := range prevRead {
		if _, ok := nextRead[url]; !ok {
			removed[url] = s
		}
	}
	if len(added) > 0 || len(removed) > 0 {
		for u := range r.forwardUses {
			u.retarget(added, removed)
		}
	}
	logging.DebugMethod("registry", "applyDefaults", "default relays: %d (+%d read, -%d read)", len(next), len(added), len(removed))
	return nil
}

// RelayState returns the connection state of url, if a session exists.
func (r *Registry) RelayState(url string) (relay.State, bool) {
	s, ok := r.sessions.Load(nostr.NormalizeURL(url))
	if !ok {
		return relay.StateInitialized, false
	}
	return s.State(), true
}

// RelayStates returns the state of every known relay.
func (r *Registry) RelayStates() map[string]relay.State {
	out := make(map[string]relay.State)
	r.sessions.Range(func(url string, s *relay.Session) bool {
		out[url] = s.State()
		return true
	})
	return out
}

// Reconnect manually reconnects url out of the error or rejected state.
func (r *Registry) Reconnect(url string) error {
	s, err := r.session(url)
	if err != nil {
		return err
	}
	s.Reconnect()
	return nil
}

// ConnectionStates observes state changes of every relay.
func (r *Registry) ConnectionStates() *Feed[StatePacket] {
	return r.states.subscribe()
}

// Errors observes relay-level failures: exhausted retries, rejections,
// malformed messages and notices.
func (r *Registry) Errors() *Feed[*relay.Error] {
	return r.errs.subscribe()
}

// Outgoing observes every frame written to any relay.
func (r *Registry) Outgoing() *Feed[OutgoingPacket] {
	return r.outgoing.subscribe()
}

func (r *Registry) trackForward(u *forwardUse) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forwardUses[u] = struct{}{}
}

func (r *Registry) untrackForward(u *forwardUse) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.forwardUses, u)
}

func (r *Registry) trackBackward(u *backwardUse) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backwardUses[u] = struct{}{}
}

func (r *Registry) untrackBackward(u *backwardUse) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.backwardUses, u)
}

// Dispose closes every subscription and session. Later calls have no effect.
func (r *Registry) Dispose() {
	r.disposeOnce.Do(func() {
		r.disposed.Store(true)
		logging.DebugMethod("registry", "Dispose", "disposing %d sessions", r.sessions.Size())

		r.mu.Lock()
		subs := make([]*Subscription, 0, len(r.forwardUses)+len(r.backwardUses))
		for u := range r.forwardUses {
			subs = append(subs, u.sub)
		}
		for u := range r.backwardUses {
			subs = append(subs, u.sub)
		}
		r.mu.Unlock()

		for _, s := range subs {
			s.Close()
		}
		r.sessions.Range(func(url string, s *relay.Session) bool {
			s.Dispose()
			return true
		})
		r.states.close()
		r.errs.close()
		r.outgoing.close()
	})
}
