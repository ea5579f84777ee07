// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// RelayStore - eventstore backed by remote relays through a registry.
package relaystore

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/fiatjaf/eventstore"
	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/multierr"

	"github.com/girino/nostr-rx/logging"
	"github.com/girino/nostr-rx/registry"
)

// RelayStore answers eventstore calls with the default relays of a registry.
// It does not persist events locally.
type RelayStore struct {
	reg *registry.Registry

	// publishTimeout bounds one SaveEvent
	publishTimeout time.Duration
	// queryTimeout bounds one QueryEvents or CountEvents
	queryTimeout time.Duration
	dedup        int

	publishAttempts            atomic.Int64
	publishSuccesses           atomic.Int64
	publishFailures            atomic.Int64
	consecutivePublishFailures atomic.Int64
	queryRequests              atomic.Int64
	queryEventsReturned        atomic.Int64
	countRequests              atomic.Int64
}

// Stats holds runtime counters exported by RelayStore
type Stats struct {
	PublishAttempts            int64 `json:"publish_attempts"`
	PublishSuccesses           int64 `json:"publish_successes"`
	PublishFailures            int64 `json:"publish_failures"`
	ConsecutivePublishFailures int64 `json:"consecutive_publish_failures"`
	QueryRequests              int64 `json:"query_requests"`
	QueryEventsReturned        int64 `json:"query_events_returned"`
	CountRequests              int64 `json:"count_requests"`
}

// Option tunes a RelayStore.
type Option func(*RelayStore)

// WithPublishTimeout bounds how long SaveEvent waits for OKs.
func WithPublishTimeout(d time.Duration) Option {
	return func(r *RelayStore) { r.publishTimeout = d }
}

// WithQueryTimeout bounds how long queries and counts run.
func WithQueryTimeout(d time.Duration) Option {
	return func(r *RelayStore) { r.queryTimeout = d }
}

// New creates a RelayStore over reg. The registry is owned by the caller.
func New(reg *registry.Registry, opts ...Option) *RelayStore {
	rs := &RelayStore{
		reg:            reg,
		publishTimeout: 7 * time.Second,
		queryTimeout:   30 * time.Second,
		dedup:          4096,
	}
	for _, opt := range opts {
		opt(rs)
	}
	return rs
}

// Stats returns a snapshot of the RelayStore counters
func (r *RelayStore) Stats() Stats {
	return Stats{
		PublishAttempts:            r.publishAttempts.Load(),
		PublishSuccesses:           r.publishSuccesses.Load(),
		PublishFailures:            r.publishFailures.Load(),
		ConsecutivePublishFailures: r.consecutivePublishFailures.Load(),
		QueryRequests:              r.queryRequests.Load(),
		QueryEventsReturned:        r.queryEventsReturned.Load(),
		CountRequests:              r.countRequests.Load(),
	}
}

func (r *RelayStore) Init() error {
	logging.DebugMethod("relaystore", "Init", "serving %d default relays", len(r.reg.DefaultRelays()))
	return nil
}

func (r *RelayStore) Close() {}

// QueryEvents runs filter once on every readable default relay and streams
// the de-duplicated results until all of them reach EOSE.
func (r *RelayStore) QueryEvents(ctx context.Context, filter nostr.Filter) (chan *nostr.Event, error) {
	r.queryRequests.Add(1)

	qctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	req := registry.NewBackwardReq()
	sub, err := r.reg.Use(qctx, req, registry.Dedup(r.dedup))
	if err != nil {
		cancel()
		return nil, err
	}
	req.Emit(filter)
	req.Over()

	out := make(chan *nostr.Event)
	go func() {
		defer close(out)
		defer cancel()
		defer sub.Close()
		for p := range sub.Events() {
			r.queryEventsReturned.Add(1)
			select {
			case out <- p.Event:
			case <-ctx.Done():
				return
			}
		}
		logging.DebugMethod("relaystore", "QueryEvents", "query finished")
	}()
	return out, nil
}

// DeleteEvent is a no-op for relay forwarding store.
func (r *RelayStore) DeleteEvent(ctx context.Context, evt *nostr.Event) error {
	return nil
}

// SaveEvent publishes evt to every writable default relay. It returns nil if
// at least one relay accepted the event.
func (r *RelayStore) SaveEvent(ctx context.Context, evt *nostr.Event) error {
	r.publishAttempts.Add(1)

	pctx, cancel := context.WithTimeout(ctx, r.publishTimeout)
	defer cancel()

	pub, err := r.reg.Send(pctx, *evt)
	if errors.Is(err, registry.ErrNoTargets) {
		logging.Warn("no remotes configured, not forwarding event %s", evt.ID)
		return nil
	}
	if err != nil {
		r.failed()
		return err
	}
	var errs error
	for res := range pub.Results() {
		switch {
		case res.Err != nil:
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", res.From, res.Err))
		case res.OK:
			r.publishSuccesses.Add(1)
			r.consecutivePublishFailures.Store(0)
			logging.DebugMethod("relaystore", "SaveEvent", "%s accepted by %s", evt.ID, res.From)
			return nil
		default:
			errs = multierr.Append(errs, fmt.Errorf("%s: %s", res.From, res.Notice))
		}
	}
	r.failed()
	if errs == nil {
		errs = fmt.Errorf("no relay accepted %s", evt.ID)
	}
	logging.DebugMethod("relaystore", "SaveEvent", "publish of %s failed: %v", evt.ID, errs)
	return errs
}

func (r *RelayStore) failed() {
	r.publishFailures.Add(1)
	r.consecutivePublishFailures.Add(1)
}

// ReplaceEvent just forwards the event (best-effort), similar to SaveEvent.
func (r *RelayStore) ReplaceEvent(ctx context.Context, evt *nostr.Event) error {
	return r.SaveEvent(ctx, evt)
}

// CountEvents asks the readable default relays for NIP-45 counts and returns
// the largest answer.
func (r *RelayStore) CountEvents(ctx context.Context, filter nostr.Filter) (int64, error) {
	r.countRequests.Add(1)

	cctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()
	results, err := r.reg.Count(cctx, nostr.Filters{filter})
	if err != nil {
		return 0, err
	}
	return registry.TotalCount(results)
}

// Ensure RelayStore implements eventstore.Store and eventstore.Counter
var _ eventstore.Store = (*RelayStore)(nil)
var _ eventstore.Counter = (*RelayStore)(nil)
