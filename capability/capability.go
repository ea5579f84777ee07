// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Package capability resolves the relay-declared subscription limit used to
// size each relay's subscription queue.
package capability

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/nbd-wtf/go-nostr/nip11"
	"golang.org/x/sync/singleflight"

	"github.com/girino/nostr-rx/logging"
)

// Unbounded is the capacity reported when a relay declares no limit.
const Unbounded = 0

// Source answers how many subscriptions a relay accepts at once.
// Unbounded (0) means no limit.
type Source interface {
	MaxSubscriptions(ctx context.Context, url string) int
}

// FetchFunc retrieves the raw limit for url. ok is false when the relay
// publishes no limit.
type FetchFunc func(ctx context.Context, url string) (limit int, ok bool, err error)

// FetchNIP11 reads limitation.max_subscriptions from the relay information
// document.
func FetchNIP11(ctx context.Context, url string) (int, bool, error) {
	info, err := nip11.Fetch(ctx, url)
	if err != nil {
		return 0, false, err
	}
	if info.Limitation == nil || info.Limitation.MaxSubscriptions <= 0 {
		return 0, false, nil
	}
	return info.Limitation.MaxSubscriptions, true, nil
}

// Cache is a Source backed by a fetcher, an expiring LRU and request
// de-duplication.
type Cache struct {
	fetch        FetchFunc
	fallback     int
	fetchTimeout time.Duration

	entries *expirable.LRU[string, int]
	manual  *expirable.LRU[string, int]
	group   singleflight.Group
}

// Option configures a Cache.
type Option func(*Cache)

// WithFetcher replaces the NIP-11 fetcher.
func WithFetcher(f FetchFunc) Option {
	return func(c *Cache) { c.fetch = f }
}

// WithFallback sets the capacity used when the lookup fails or the relay
// declares nothing.
func WithFallback(n int) Option {
	return func(c *Cache) { c.fallback = n }
}

// WithFetchTimeout bounds each fetch.
func WithFetchTimeout(d time.Duration) Option {
	return func(c *Cache) { c.fetchTimeout = d }
}

// NewCache creates a cache holding up to size relays for ttl.
func NewCache(size int, ttl time.Duration, opts ...Option) *Cache {
	if size <= 0 {
		size = 512
	}
	c := &Cache{
		fetch:        FetchNIP11,
		fallback:     Unbounded,
		fetchTimeout: 5 * time.Second,
		entries:      expirable.NewLRU[string, int](size, nil, ttl),
		manual:       expirable.NewLRU[string, int](size, nil, 0),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Set pins the capacity for url, overriding any fetched value.
func (c *Cache) Set(url string, n int) {
	c.manual.Add(url, n)
}

// MaxSubscriptions implements Source.
func (c *Cache) MaxSubscriptions(ctx context.Context, url string) int {
	if n, ok := c.manual.Get(url); ok {
		return n
	}
	if n, ok := c.entries.Get(url); ok {
		return n
	}

	v, _, _ := c.group.Do(url, func() (any, error) {
		fctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
		defer cancel()

		n, ok, err := c.fetch(fctx, url)
		switch {
		case err != nil:
			logging.DebugMethod("capability", "MaxSubscriptions", "fetch %s failed: %v", url, err)
			n = c.fallback
		case !ok:
			n = c.fallback
		}
		c.entries.Add(url, n)
		return n, nil
	})
	return v.(int)
}

// Static is a Source answering the same limit for every relay.
type Static int

func (s Static) MaxSubscriptions(ctx context.Context, url string) int { return int(s) }
