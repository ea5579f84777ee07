// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// config - registry options and relay configuration.
package registry

import (
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/girino/nostr-rx/capability"
	"github.com/girino/nostr-rx/relay"
	"github.com/girino/nostr-rx/signer"
	"github.com/girino/nostr-rx/transport"
)

// Config holds everything a Registry needs. Use DefaultConfig and Options.
type Config struct {
	Relay relay.Config

	EOSETimeout time.Duration
	OKTimeout   time.Duration
	SubIDPrefix string
}

// DefaultConfig returns the defaults used by New.
func DefaultConfig() Config {
	return Config{
		Relay:       relay.DefaultConfig(),
		EOSETimeout: 30 * time.Second,
		OKTimeout:   30 * time.Second,
		SubIDPrefix: "rx-" + strings.SplitN(uuid.NewString(), "-", 2)[0],
	}
}

// Option configures a Registry.
type Option func(*Config)

func WithSigner(s signer.Signer) Option {
	return func(c *Config) { c.Relay.Signer = s }
}

func WithVerifier(v signer.Verifier) Option {
	return func(c *Config) { c.Relay.Verifier = v }
}

// WithAuthenticator enables NIP-42 authentication.
func WithAuthenticator(a relay.AuthConfig) Option {
	return func(c *Config) { c.Relay.Auth = &a }
}

func WithConnectionStrategy(s relay.Strategy) Option {
	return func(c *Config) { c.Relay.Strategy = s }
}

func WithRetry(r relay.RetryConfig) Option {
	return func(c *Config) { c.Relay.Retry = r }
}

func WithDisconnectTimeout(d time.Duration) Option {
	return func(c *Config) { c.Relay.DisconnectTimeout = d }
}

func WithEOSETimeout(d time.Duration) Option {
	return func(c *Config) { c.EOSETimeout = d }
}

func WithOKTimeout(d time.Duration) Option {
	return func(c *Config) { c.OKTimeout = d }
}

func WithAuthTimeout(d time.Duration) Option {
	return func(c *Config) { c.Relay.AuthTimeout = d }
}

func WithSkipVerify(skip bool) Option {
	return func(c *Config) { c.Relay.SkipVerify = skip }
}

func WithSkipValidateFilterMatching(skip bool) Option {
	return func(c *Config) { c.Relay.SkipValidateFilterMatching = skip }
}

func WithSkipExpirationCheck(skip bool) Option {
	return func(c *Config) { c.Relay.SkipExpirationCheck = skip }
}

func WithSkipFetchCapabilityHint(skip bool) Option {
	return func(c *Config) { c.Relay.SkipFetchCapabilityHint = skip }
}

// WithDialer replaces the WebSocket transport.
func WithDialer(d transport.Dialer) Option {
	return func(c *Config) { c.Relay.Dialer = d }
}

// WithCapabilities replaces the NIP-11 capability lookup.
func WithCapabilities(src capability.Source) Option {
	return func(c *Config) { c.Relay.Capabilities = src }
}

// WithChallengeStore lets sessions answer remembered AUTH challenges right
// after connecting.
func WithChallengeStore(s signer.ChallengeStore) Option {
	return func(c *Config) { c.Relay.ChallengeStore = s }
}

// WithClock injects the clock driving every timer.
func WithClock(clk clock.Clock) Option {
	return func(c *Config) { c.Relay.Clock = clk }
}

// WithSubIDPrefix sets the prefix of generated subscription ids ("prefix:n").
func WithSubIDPrefix(prefix string) Option {
	return func(c *Config) { c.SubIDPrefix = prefix }
}
