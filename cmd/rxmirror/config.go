// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Configuration management for rxmirror.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fiatjaf/khatru"
	"gopkg.in/yaml.v3"

	"github.com/girino/nostr-rx/registry"
)

// getEnvOr returns the environment variable value or a default if not set
func getEnvOr(env, defaultValue string) string {
	if v := os.Getenv(env); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(env string, defaultValue int) int {
	if v, err := strconv.Atoi(os.Getenv(env)); err == nil {
		return v
	}
	return defaultValue
}

func getEnvBool(env string, defaultValue bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(env)); err == nil {
		return v
	}
	return defaultValue
}

func getEnvDuration(env string, defaultValue time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(env)); err == nil {
		return v
	}
	return defaultValue
}

// Config holds runtime configuration coming from a YAML file, environment
// and CLI flags, in increasing order of precedence.
type Config struct {
	Addr           string   `yaml:"addr"`
	QueryRemotes   []string `yaml:"query_remotes"`
	PublishRemotes []string `yaml:"publish_remotes"`
	Verbose        string   `yaml:"verbose"`

	RelayServiceURL  string `yaml:"relay_service_url"`
	RelayName        string `yaml:"relay_name"`
	RelayDescription string `yaml:"relay_description"`
	RelayContact     string `yaml:"relay_contact"`
	RelaySecKey      string `yaml:"relay_seckey"`
	RelayPubKey      string `yaml:"relay_pubkey"`
	RelayIcon        string `yaml:"relay_icon"`
	RelayBanner      string `yaml:"relay_banner"`

	// Upstream connection settings
	Strategy          string        `yaml:"strategy"`
	RetryMax          int           `yaml:"retry_max"`
	Auth              bool          `yaml:"auth"`
	MaxSubscriptions  int           `yaml:"max_subscriptions"`
	DisconnectTimeout time.Duration `yaml:"disconnect_timeout"`
	EOSETimeout       time.Duration `yaml:"eose_timeout"`
	OKTimeout         time.Duration `yaml:"ok_timeout"`
}

func defaultConfig() *Config {
	return &Config{
		Addr:              ":3337",
		Strategy:          "lazy-keep",
		RetryMax:          10,
		Auth:              true,
		DisconnectTimeout: 10 * time.Second,
		EOSETimeout:       10 * time.Second,
		OKTimeout:         7 * time.Second,
	}
}

// loadFile overlays the YAML file at path onto cfg.
func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	return nil
}

// configPath finds -config in args before the flag set is built, so the file
// can provide the flag defaults.
func configPath(args []string) string {
	path := os.Getenv("CONFIG")
	for i, a := range args {
		a = strings.TrimLeft(a, "-")
		switch {
		case a == "config" && i+1 < len(args):
			path = args[i+1]
		case strings.HasPrefix(a, "config="):
			path = strings.TrimPrefix(a, "config=")
		}
	}
	return path
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// LoadConfig reads the config file, environment variables and flags.
func LoadConfig(args []string) (*Config, error) {
	base := defaultConfig()
	path := configPath(args)
	if path != "" {
		if err := loadFile(base, path); err != nil {
			return nil, err
		}
	}

	fs := flag.NewFlagSet("rxmirror", flag.ContinueOnError)
	fs.String("config", path, "YAML configuration file (env: CONFIG)")

	// Basic settings
	addr := fs.String("addr", getEnvOr("ADDR", base.Addr), "address to listen on (env: ADDR)")
	queryRemotes := fs.String("query-remotes", getEnvOr("QUERY_REMOTES", strings.Join(base.QueryRemotes, ",")), "comma-separated list of remote relay URLs to use for queries/subscriptions (env: QUERY_REMOTES)")
	publishRemotes := fs.String("publish-remotes", getEnvOr("PUBLISH_REMOTES", strings.Join(base.PublishRemotes, ",")), "comma-separated list of remote relay URLs to publish to; defaults to the query remotes (env: PUBLISH_REMOTES)")
	verbose := fs.String("verbose", getEnvOr("VERBOSE", base.Verbose), "verbose logging control: '1'/'true' for all, 'relaystore' for module, 'registry.Send,link' for specific methods (env: VERBOSE)")

	// Relay identity settings
	relayServiceURL := fs.String("relay-service-url", getEnvOr("RELAY_SERVICE_URL", base.RelayServiceURL), "service URL for relay (env: RELAY_SERVICE_URL)")
	relayName := fs.String("relay-name", getEnvOr("RELAY_NAME", base.RelayName), "relay name (env: RELAY_NAME)")
	relayDescription := fs.String("relay-description", getEnvOr("RELAY_DESCRIPTION", base.RelayDescription), "relay description (env: RELAY_DESCRIPTION)")
	relayContact := fs.String("relay-contact", getEnvOr("RELAY_CONTACT", base.RelayContact), "relay contact (env: RELAY_CONTACT)")
	relaySecKey := fs.String("relay-seckey", getEnvOr("RELAY_SECKEY", base.RelaySecKey), "relay secret key, hex or nsec; also used for upstream AUTH (env: RELAY_SECKEY)")
	relayPubKey := fs.String("relay-pubkey", getEnvOr("RELAY_PUBKEY", base.RelayPubKey), "relay public key (env: RELAY_PUBKEY)")
	relayIcon := fs.String("relay-icon", getEnvOr("RELAY_ICON", base.RelayIcon), "relay icon URL (env: RELAY_ICON)")
	relayBanner := fs.String("relay-banner", getEnvOr("RELAY_BANNER", base.RelayBanner), "relay banner URL (env: RELAY_BANNER)")

	// Upstream connection settings
	strategy := fs.String("strategy", getEnvOr("STRATEGY", base.Strategy), "upstream connection strategy: lazy, lazy-keep or aggressive (env: STRATEGY)")
	retryMax := fs.Int("retry-max", getEnvInt("RETRY_MAX", base.RetryMax), "reconnect attempts before giving up on an upstream relay (env: RETRY_MAX)")
	auth := fs.Bool("auth", getEnvBool("AUTH", base.Auth), "answer NIP-42 challenges from upstream relays (env: AUTH)")
	maxSubs := fs.Int("max-subscriptions", getEnvInt("MAX_SUBSCRIPTIONS", base.MaxSubscriptions), "concurrent subscriptions per upstream relay when NIP-11 says nothing; 0 is unbounded (env: MAX_SUBSCRIPTIONS)")
	disconnectTimeout := fs.Duration("disconnect-timeout", getEnvDuration("DISCONNECT_TIMEOUT", base.DisconnectTimeout), "idle time before an unused upstream connection is closed (env: DISCONNECT_TIMEOUT)")
	eoseTimeout := fs.Duration("eose-timeout", getEnvDuration("EOSE_TIMEOUT", base.EOSETimeout), "how long a query waits for EOSE from each upstream (env: EOSE_TIMEOUT)")
	okTimeout := fs.Duration("ok-timeout", getEnvDuration("OK_TIMEOUT", base.OKTimeout), "how long a publish waits for OK from each upstream (env: OK_TIMEOUT)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := &Config{
		Addr:           *addr,
		QueryRemotes:   splitList(*queryRemotes),
		PublishRemotes: splitList(*publishRemotes),
		Verbose:        *verbose,

		RelayServiceURL:  *relayServiceURL,
		RelayName:        *relayName,
		RelayDescription: *relayDescription,
		RelayContact:     *relayContact,
		RelaySecKey:      *relaySecKey,
		RelayPubKey:      *relayPubKey,
		RelayIcon:        *relayIcon,
		RelayBanner:      *relayBanner,

		Strategy:          *strategy,
		RetryMax:          *retryMax,
		Auth:              *auth,
		MaxSubscriptions:  *maxSubs,
		DisconnectTimeout: *disconnectTimeout,
		EOSETimeout:       *eoseTimeout,
		OKTimeout:         *okTimeout,
	}
	if len(cfg.PublishRemotes) == 0 {
		cfg.PublishRemotes = cfg.QueryRemotes
	}
	return cfg, nil
}

// DefaultRelays merges query and publish remotes into the registry's default
// relay set.
func (c *Config) DefaultRelays() []registry.RelayConfig {
	byURL := map[string]*registry.RelayConfig{}
	var order []string
	get := func(url string) *registry.RelayConfig {
		if rc, ok := byURL[url]; ok {
			return rc
		}
		rc := &registry.RelayConfig{URL: url}
		byURL[url] = rc
		order = append(order, url)
		return rc
	}
	for _, u := range c.QueryRemotes {
		get(u).Read = true
	}
	for _, u := range c.PublishRemotes {
		get(u).Write = true
	}
	out := make([]registry.RelayConfig, 0, len(order))
	for _, u := range order {
		out = append(out, *byURL[u])
	}
	return out
}

// ApplyToRelay applies config NIP-11 fields to a khatru Relay instance.
func ApplyToRelay(r *khatru.Relay, cfg *Config) {
	if cfg.RelayServiceURL != "" {
		r.ServiceURL = cfg.RelayServiceURL
	}
	if cfg.RelayName != "" {
		r.Info.Name = cfg.RelayName
	} else {
		r.Info.Name = "rxmirror"
	}
	if cfg.RelayDescription != "" {
		r.Info.Description = cfg.RelayDescription
	}
	if cfg.RelayContact != "" {
		r.Info.Contact = cfg.RelayContact
	}
	r.Info.Software = "https://github.com/girino/nostr-rx"
	r.Info.Version = Version
	if cfg.RelayPubKey != "" {
		r.Info.PubKey = cfg.RelayPubKey
	}
	if cfg.RelayIcon != "" {
		r.Info.Icon = cfg.RelayIcon
	}
	if cfg.RelayBanner != "" {
		r.Info.Banner = cfg.RelayBanner
	}
}
