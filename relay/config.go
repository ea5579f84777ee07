// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// config - relay session settings.
package relay

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/girino/nostr-rx/capability"
	"github.com/girino/nostr-rx/signer"
	"github.com/girino/nostr-rx/transport"
)

// Strategy decides when a session opens and idles its connection.
type Strategy int

const (
	// StrategyLazy connects on demand and idles out when unused.
	StrategyLazy Strategy = iota
	// StrategyLazyKeep is lazy but never idles out while default.
	StrategyLazyKeep
	// StrategyAggressive connects as soon as the relay becomes default.
	StrategyAggressive
)

func (s Strategy) String() string {
	switch s {
	case StrategyLazy:
		return "lazy"
	case StrategyLazyKeep:
		return "lazy-keep"
	case StrategyAggressive:
		return "aggressive"
	}
	return "unknown"
}

// ParseStrategy parses "lazy", "lazy-keep" or "aggressive".
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "lazy":
		return StrategyLazy, nil
	case "lazy-keep":
		return StrategyLazyKeep, nil
	case "aggressive":
		return StrategyAggressive, nil
	}
	return StrategyLazy, fmt.Errorf("unknown connection strategy %q", s)
}

// RetryStrategy selects the backoff curve.
type RetryStrategy int

const (
	RetryOff RetryStrategy = iota
	RetryExponential
	RetryLinear
	RetryImmediate
)

const (
	maxJitter       = 500 * time.Millisecond
	minExponentialD = time.Second
)

// RetryConfig bounds automatic reconnects.
type RetryConfig struct {
	Strategy     RetryStrategy
	InitialDelay time.Duration // exponential
	Interval     time.Duration // linear
	MaxCount     int

	// Jitter returns the offset added to exponential delays. Nil draws
	// uniformly from ±500ms.
	Jitter func() time.Duration
}

func ExponentialRetry(initialDelay time.Duration, maxCount int) RetryConfig {
	return RetryConfig{Strategy: RetryExponential, InitialDelay: initialDelay, MaxCount: maxCount}
}

func LinearRetry(interval time.Duration, maxCount int) RetryConfig {
	return RetryConfig{Strategy: RetryLinear, Interval: interval, MaxCount: maxCount}
}

func ImmediateRetry(maxCount int) RetryConfig {
	return RetryConfig{Strategy: RetryImmediate, MaxCount: maxCount}
}

func NoRetry() RetryConfig {
	return RetryConfig{Strategy: RetryOff}
}

func defaultJitter() time.Duration {
	return time.Duration(rand.Int64N(int64(2*maxJitter)+1)) - maxJitter
}

// Delay returns the wait before reconnect attempt number attempt (1-based).
// ok is false once no further attempt is allowed.
func (r RetryConfig) Delay(attempt int) (d time.Duration, ok bool) {
	if r.Strategy == RetryOff || attempt < 1 || attempt > r.MaxCount {
		return 0, false
	}
	switch r.Strategy {
	case RetryExponential:
		jitter := r.Jitter
		if jitter == nil {
			jitter = defaultJitter
		}
		d = r.InitialDelay*time.Duration(1<<uint(attempt-1)) + jitter()
		if d < minExponentialD {
			d = minExponentialD
		}
		return d, true
	case RetryLinear:
		return r.Interval, true
	case RetryImmediate:
		return 0, true
	}
	return 0, false
}

// AuthConfig enables NIP-42 authentication on a session.
type AuthConfig struct {
	// Signer overrides Config.Signer for AUTH events.
	Signer signer.Signer
	// Aggressive answers every challenge as soon as it arrives instead of
	// waiting for an auth-required rejection.
	Aggressive bool
}

// Config is the per-session configuration. Sessions of one registry share it.
type Config struct {
	Dialer         transport.Dialer
	Signer         signer.Signer
	Verifier       signer.Verifier
	Auth           *AuthConfig
	ChallengeStore signer.ChallengeStore
	Capabilities   capability.Source
	Clock          clock.Clock

	Strategy          Strategy
	Retry             RetryConfig
	DisconnectTimeout time.Duration
	AuthTimeout       time.Duration

	SkipVerify                 bool
	SkipValidateFilterMatching bool
	SkipExpirationCheck        bool
	SkipFetchCapabilityHint    bool
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		Dialer:            transport.NewWebSocketDialer(transport.DefaultWebSocketConfig()),
		Verifier:          signer.DefaultVerifier,
		Capabilities:      capability.NewCache(512, 12*time.Hour),
		Clock:             clock.New(),
		Strategy:          StrategyLazy,
		Retry:             ExponentialRetry(time.Second, 5),
		DisconnectTimeout: 10 * time.Second,
		AuthTimeout:       10 * time.Second,
	}
}

func (c *Config) withDefaults() {
	def := DefaultConfig()
	if c.Dialer == nil {
		c.Dialer = def.Dialer
	}
	if c.Verifier == nil {
		c.Verifier = def.Verifier
	}
	if c.Clock == nil {
		c.Clock = def.Clock
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = def.AuthTimeout
	}
	if c.Capabilities == nil {
		c.SkipFetchCapabilityHint = true
	}
}

func (c *Config) authSigner() signer.Signer {
	if c.Auth != nil && c.Auth.Signer != nil {
		return c.Auth.Signer
	}
	return c.Signer
}
