// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// count - COUNT fan-out across read relays.
package registry

import (
	"context"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/multierr"

	"github.com/girino/nostr-rx/relay"
)

// CountResult is one relay's answer to a COUNT request.
type CountResult struct {
	From  string
	Count int64
	Err   error
}

// Count asks OnRelays, or the readable default relays, how many events match
// filters. It returns once every relay answered or ctx ends; relays that did
// not answer in time report ctx's error.
func (r *Registry) Count(ctx context.Context, filters nostr.Filters, opts ...CallOption) ([]CountResult, error) {
	if r.disposed.Load() {
		return nil, ErrDisposed
	}
	o := buildCallOptions(opts)

	var targets map[string]*relay.Session
	if len(o.relays) > 0 {
		var err error
		if targets, err = r.sessionsFor(o.relays); err != nil {
			return nil, err
		}
	} else {
		targets = r.defaultSessions(false)
	}
	if len(targets) == 0 {
		return nil, ErrNoTargets
	}

	id := r.nextSubID()
	var (
		mu      sync.Mutex
		results = make(map[string]CountResult, len(targets))
		done    = make(chan struct{})
	)
	for url, s := range targets {
		url := url
		s.Count(id, filters, func(n int64, err error) {
			mu.Lock()
			defer mu.Unlock()
			if _, ok := results[url]; ok {
				return
			}
			results[url] = CountResult{From: url, Count: n, Err: err}
			if len(results) == len(targets) {
				close(done)
			}
		})
	}

	select {
	case <-done:
	case <-ctx.Done():
		for _, s := range targets {
			s.CancelCount(id)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	out := make([]CountResult, 0, len(targets))
	for url := range targets {
		res, ok := results[url]
		if !ok {
			res = CountResult{From: url, Err: ctx.Err()}
			results[url] = res
		}
		out = append(out, res)
	}
	return out, nil
}

// TotalCount returns the largest count any relay reported, which is the best
// lower bound on the union. It fails only when no relay answered.
func TotalCount(results []CountResult) (int64, error) {
	var (
		best     int64
		errs     error
		answered bool
	)
	for _, res := range results {
		if res.Err != nil {
			errs = multierr.Append(errs, res.Err)
			continue
		}
		answered = true
		if res.Count > best {
			best = res.Count
		}
	}
	if !answered {
		return 0, errs
	}
	return best, nil
}
