// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// stats - periodic relay state reporting.
package registry

import (
	"context"
	"sync/atomic"

	"github.com/girino/nostr-rx/relay"
)

type counters struct {
	errors         atomic.Int64
	eventsReceived atomic.Int64
	subscriptions  atomic.Int64
	publishes      atomic.Int64
	okAccepted     atomic.Int64
	okRejected     atomic.Int64
	okTimeouts     atomic.Int64
	eoseTimeouts   atomic.Int64
}

// RelayStats is the per-relay part of Stats.
type RelayStats struct {
	State    string `json:"state"`
	Default  bool   `json:"default"`
	Active   int    `json:"active_subscriptions"`
	Queued   int    `json:"queued_subscriptions"`
	Inflight int    `json:"inflight_publishes"`
	Capacity int    `json:"capacity"`
}

// Stats is a point-in-time snapshot of the registry.
type Stats struct {
	Sessions       int                   `json:"sessions"`
	DefaultRelays  int                   `json:"default_relays"`
	Connected      int                   `json:"connected"`
	Errors         int64                 `json:"errors"`
	EventsReceived int64                 `json:"events_received"`
	Subscriptions  int64                 `json:"subscriptions"`
	Publishes      int64                 `json:"publishes"`
	OKAccepted     int64                 `json:"ok_accepted"`
	OKRejected     int64                 `json:"ok_rejected"`
	OKTimeouts     int64                 `json:"ok_timeouts"`
	EOSETimeouts   int64                 `json:"eose_timeouts"`
	Relays         map[string]RelayStats `json:"relays"`
}

// Stats collects counters and asks every session for its state. Sessions that
// do not answer before ctx ends report only their connection state.
func (r *Registry) Stats(ctx context.Context) Stats {
	st := Stats{
		Errors:         r.stats.errors.Load(),
		EventsReceived: r.stats.eventsReceived.Load(),
		Subscriptions:  r.stats.subscriptions.Load(),
		Publishes:      r.stats.publishes.Load(),
		OKAccepted:     r.stats.okAccepted.Load(),
		OKRejected:     r.stats.okRejected.Load(),
		OKTimeouts:     r.stats.okTimeouts.Load(),
		EOSETimeouts:   r.stats.eoseTimeouts.Load(),
		Relays:         make(map[string]RelayStats),
	}
	r.mu.Lock()
	st.DefaultRelays = len(r.defaults)
	r.mu.Unlock()

	r.sessions.Range(func(url string, s *relay.Session) bool {
		st.Sessions++
		rs := RelayStats{State: s.State().String()}
		if info, ok := s.Inspect(ctx); ok {
			rs = RelayStats{
				State:    info.State.String(),
				Default:  info.Default,
				Active:   info.Active,
				Queued:   info.Queued,
				Inflight: info.Inflight,
				Capacity: info.Capacity,
			}
		}
		if rs.State == relay.StateConnected.String() {
			st.Connected++
		}
		st.Relays[url] = rs
		return true
	})
	return st
}
