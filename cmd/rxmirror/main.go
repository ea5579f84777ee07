// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// rxmirror - a Nostr relay aggregator built on khatru and the nostr-rx registry.
package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/fiatjaf/khatru"
	"github.com/fiatjaf/khatru/policies"
	"github.com/nbd-wtf/go-nostr"
	nip11 "github.com/nbd-wtf/go-nostr/nip11"

	"github.com/girino/nostr-rx/capability"
	"github.com/girino/nostr-rx/logging"
	"github.com/girino/nostr-rx/mirror"
	"github.com/girino/nostr-rx/registry"
	"github.com/girino/nostr-rx/relay"
	"github.com/girino/nostr-rx/relaystore"
	"github.com/girino/nostr-rx/signer"
)

// newRegistry builds the upstream registry described by cfg.
func newRegistry(cfg *Config, ks signer.Signer) (*registry.Registry, error) {
	strategy, err := relay.ParseStrategy(cfg.Strategy)
	if err != nil {
		return nil, err
	}
	opts := []registry.Option{
		registry.WithSigner(ks),
		registry.WithConnectionStrategy(strategy),
		registry.WithRetry(relay.ExponentialRetry(time.Second, cfg.RetryMax)),
		registry.WithDisconnectTimeout(cfg.DisconnectTimeout),
		registry.WithEOSETimeout(cfg.EOSETimeout),
		registry.WithOKTimeout(cfg.OKTimeout),
		registry.WithCapabilities(capability.NewCache(512, 12*time.Hour, capability.WithFallback(cfg.MaxSubscriptions))),
	}
	if cfg.Auth {
		opts = append(opts,
			registry.WithAuthenticator(relay.AuthConfig{Signer: ks}),
			registry.WithChallengeStore(signer.NewMemoryChallengeStore(1024, time.Hour)),
		)
	}
	reg := registry.New(opts...)
	if err := reg.SetDefaultRelays(cfg.DefaultRelays()...); err != nil {
		reg.Dispose()
		return nil, err
	}
	return reg, nil
}

// logRelayErrors reports upstream failures until the registry is disposed.
func logRelayErrors(reg *registry.Registry) {
	feed := reg.Errors()
	go func() {
		for err := range feed.C() {
			logging.Warn("upstream %s: %v", err.URL, err)
		}
	}()
}

func main() {
	cfg, err := LoadConfig(os.Args[1:])
	if err != nil {
		logging.Fatal("loading config: %v", err)
	}

	// Examples:
	//   - VERBOSE=1 or VERBOSE=true: enable all verbose logging
	//   - VERBOSE=relaystore: enable verbose for relaystore module only
	//   - VERBOSE=registry.Send,link: enable specific method + module
	logging.SetVerbose(cfg.Verbose)
	defer logging.Sync()

	if len(cfg.QueryRemotes) == 0 {
		logging.Fatal("no query remotes provided - relaystore requires query remotes")
	}

	// create a basic khatru relay instance
	r := khatru.NewRelay()
	if r.Info == nil {
		r.Info = &nip11.RelayInformationDocument{}
	}
	ApplyToRelay(r, cfg)
	ensureSupportedNips(r, []int{11, 42, 45})

	// RELAY_SECKEY accepts nsec bech32 or raw hex; a fresh key is generated otherwise
	var ks *signer.KeySigner
	if cfg.RelaySecKey != "" {
		if ks, err = signer.NewKeySigner(cfg.RelaySecKey); err != nil {
			logging.Fatal("invalid relay secret key: %v", err)
		}
	} else {
		ks = signer.GenerateKeySigner()
		logging.DebugMethod("main", "main", "generated new relay secret key")
	}
	if r.Info.PubKey == "" {
		r.Info.PubKey = ks.PublicKey()
	}

	reg, err := newRegistry(cfg, ks)
	if err != nil {
		logging.Fatal("initializing registry: %v", err)
	}
	defer reg.Dispose()
	logRelayErrors(reg)

	rs := relaystore.New(reg, relaystore.WithPublishTimeout(cfg.OKTimeout), relaystore.WithQueryTimeout(cfg.EOSETimeout+5*time.Second))
	if err := rs.Init(); err != nil {
		logging.Fatal("initializing relaystore: %v", err)
	}
	defer rs.Close()

	// Apply custom connection and filter policies for upstream relay protection
	filterIpRateLimiter := policies.FilterIPRateLimiter(20, time.Minute, 100)
	r.RejectFilter = append(r.RejectFilter,
		func(ctx context.Context, filter nostr.Filter) (reject bool, msg string) {
			reject, msg = filterIpRateLimiter(ctx, filter)
			if reject {
				logging.Warn("filter IP rate limiter: %v, %s, from: %s", reject, msg, khatru.GetIP(ctx))
			}
			return reject, msg
		},
	)
	connectionRateLimiter := policies.ConnectionRateLimiter(1, time.Minute*5, 100)
	r.RejectConnection = append(r.RejectConnection,
		func(req *http.Request) (reject bool) {
			reject = connectionRateLimiter(req)
			if reject {
				logging.Warn("connection rate limiter: %v, from: %s", reject, khatru.GetIPFromRequest(req))
			}
			return reject
		},
	)

	// hook store functions into relay
	r.StoreEvent = append(r.StoreEvent, rs.SaveEvent)
	r.QueryEvents = append(r.QueryEvents, rs.QueryEvents)
	r.CountEvents = append(r.CountEvents, rs.CountEvents)

	// start event mirroring from query relays
	mm := mirror.NewMirrorManager(reg, cfg.QueryRemotes)
	if err := mm.StartMirroring(r); err != nil {
		logging.Fatal("[mirror] failed to start mirroring: %v", err)
	}
	defer mm.StopMirroring()

	newAPI(r.Info.Name, reg, rs, mm).register(r.Router())

	host, port, err := splitAddr(cfg.Addr)
	if err != nil {
		logging.Fatal("invalid addr: %v", err)
	}
	logging.Info("Starting %s on %s with %d upstream relays", ProjectName, cfg.Addr, len(reg.DefaultRelays()))
	if err := r.Start(host, port); err != nil {
		logging.Fatal("relay exited: %v", err)
	}
}

// splitAddr parses addr into host and port; a bare ":port" is accepted.
func splitAddr(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}

func ensureSupportedNips(r *khatru.Relay, nips []int) {
	if r == nil || r.Info == nil {
		return
	}
	present := map[int]bool{}
	for _, v := range r.Info.SupportedNIPs {
		switch vv := v.(type) {
		case int:
			present[vv] = true
		case int64:
			present[int(vv)] = true
		}
	}
	for _, ni := range nips {
		if !present[ni] {
			r.Info.SupportedNIPs = append(r.Info.SupportedNIPs, ni)
		}
	}
}
