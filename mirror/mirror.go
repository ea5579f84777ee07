// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Mirror - Nostr relay mirroring functionality.
package mirror

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/nbd-wtf/go-nostr"

	"github.com/girino/nostr-rx/logging"
	"github.com/girino/nostr-rx/registry"
	"github.com/girino/nostr-rx/relay"
)

// Broadcaster receives mirrored events. *khatru.Relay satisfies it.
type Broadcaster interface {
	BroadcastEvent(evt *nostr.Event) int
}

// MirrorManager keeps a forward subscription open on the query relays and
// hands every new event to a Broadcaster.
type MirrorManager struct {
	reg       *registry.Registry
	queryUrls []string
	clock     clock.Clock
	interval  time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	mirroredEvents            atomic.Int64
	mirrorAttempts            atomic.Int64
	mirrorSuccesses           atomic.Int64
	mirrorFailures            atomic.Int64
	consecutiveMirrorFailures atomic.Int64
	liveRelays                atomic.Int64
	deadRelays                atomic.Int64
}

// MirrorStats holds runtime counters for mirroring operations
type MirrorStats struct {
	MirroredEvents            int64  `json:"mirrored_events"`
	MirrorAttempts            int64  `json:"mirror_attempts"`
	MirrorSuccesses           int64  `json:"mirror_successes"`
	MirrorFailures            int64  `json:"mirror_failures"`
	ConsecutiveMirrorFailures int64  `json:"consecutive_mirror_failures"`
	MirrorHealthState         string `json:"mirror_health_state"`
	// Relay health statistics
	LiveRelays int64 `json:"live_relays"`
	DeadRelays int64 `json:"dead_relays"`
}

// Health state constants
const (
	HealthGreen  = "GREEN"
	HealthYellow = "YELLOW"
	HealthRed    = "RED"
)

var ErrNoRelays = errors.New("no query relays are available")

// Option tunes a MirrorManager.
type Option func(*MirrorManager)

// WithClock drives the health check ticker from clk.
func WithClock(clk clock.Clock) Option {
	return func(m *MirrorManager) { m.clock = clk }
}

// WithHealthInterval sets how often relay health is sampled.
func WithHealthInterval(d time.Duration) Option {
	return func(m *MirrorManager) { m.interval = d }
}

// NewMirrorManager creates a MirrorManager reading from queryUrls through reg.
func NewMirrorManager(reg *registry.Registry, queryUrls []string, opts ...Option) *MirrorManager {
	m := &MirrorManager{
		reg:       reg,
		queryUrls: queryUrls,
		clock:     clock.New(),
		interval:  30 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Close stops mirroring.
func (m *MirrorManager) Close() {
	m.StopMirroring()
}

// Stats returns a snapshot of the MirrorManager counters
func (m *MirrorManager) Stats() MirrorStats {
	consecutive := m.consecutiveMirrorFailures.Load()
	return MirrorStats{
		MirroredEvents:            m.mirroredEvents.Load(),
		MirrorAttempts:            m.mirrorAttempts.Load(),
		MirrorSuccesses:           m.mirrorSuccesses.Load(),
		MirrorFailures:            m.mirrorFailures.Load(),
		ConsecutiveMirrorFailures: consecutive,
		MirrorHealthState:         HealthState(consecutive),
		LiveRelays:                m.liveRelays.Load(),
		DeadRelays:                m.deadRelays.Load(),
	}
}

// HealthState maps consecutive failed health checks to GREEN, YELLOW or RED.
func HealthState(consecutiveFailures int64) string {
	if consecutiveFailures <= 2 {
		return HealthGreen
	} else if consecutiveFailures < 10 {
		return HealthYellow
	}
	return HealthRed
}

// StartMirroring subscribes to every event newer than now on the query relays
// and broadcasts it. Calling it again while running has no effect.
func (m *MirrorManager) StartMirroring(b Broadcaster) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return nil
	}
	if len(m.queryUrls) == 0 {
		logging.DebugMethod("mirror", "StartMirroring", "no query relays configured, skipping mirroring")
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	req := registry.NewForwardReq()
	now := nostr.Now()
	req.Emit(nostr.Filter{Since: &now})

	m.mirrorAttempts.Add(1)
	sub, err := m.reg.Use(ctx, req, registry.OnRelays(m.queryUrls...), registry.Dedup(8192))
	if err != nil {
		cancel()
		m.mirrorFailures.Add(1)
		return errors.Join(ErrNoRelays, err)
	}

	logging.DebugMethod("mirror", "StartMirroring", "starting event mirroring from %d query relays", len(m.queryUrls))
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.mirrorFromRelays(ctx, sub, b, m.done)
	return nil
}

// StopMirroring stops the continuous mirroring of events
func (m *MirrorManager) StopMirroring() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	logging.DebugMethod("mirror", "StopMirroring", "stopping event mirroring")
	cancel()
	<-done
}

func (m *MirrorManager) mirrorFromRelays(ctx context.Context, sub *registry.Subscription, b Broadcaster, done chan struct{}) {
	defer close(done)
	defer sub.Close()

	ticker := m.clock.Ticker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.DebugMethod("mirror", "mirrorFromRelays", "mirror stopped (context cancelled)")
			return
		case <-ticker.C:
			m.checkRelayHealth()
		case p, ok := <-sub.Events():
			if !ok {
				logging.DebugMethod("mirror", "mirrorFromRelays", "mirror subscription closed")
				return
			}
			clients := b.BroadcastEvent(p.Event)
			m.mirroredEvents.Add(1)
			m.mirrorSuccesses.Add(1)
			logging.DebugMethod("mirror", "mirrorFromRelays", "mirrored event %s from %s to %d clients", p.Event.ID, p.From, clients)
		}
	}
}

// checkRelayHealth samples the connection state of each query relay. More
// than half of them down counts as a failed check.
func (m *MirrorManager) checkRelayHealth() {
	total := int64(len(m.queryUrls))
	if total == 0 {
		return
	}

	var dead int64
	for _, url := range m.queryUrls {
		st, ok := m.reg.RelayState(url)
		if !ok || !alive(st) {
			dead++
			logging.DebugMethod("mirror", "checkRelayHealth", "relay %s is down (%s)", url, st)
		}
	}
	live := total - dead
	m.liveRelays.Store(live)
	m.deadRelays.Store(dead)

	if dead > total/2 {
		m.mirrorFailures.Add(1)
		m.consecutiveMirrorFailures.Add(1)
		logging.DebugMethod("mirror", "checkRelayHealth", "mirror health check failed: %d/%d relays dead", dead, total)
		return
	}
	m.consecutiveMirrorFailures.Store(0)
	logging.DebugMethod("mirror", "checkRelayHealth", "mirror health check passed: %d/%d relays alive", live, total)
}

// alive treats a relay that is connected, or on its way there, as live.
func alive(st relay.State) bool {
	switch st {
	case relay.StateConnected, relay.StateConnecting, relay.StateDormant:
		return true
	}
	return false
}
