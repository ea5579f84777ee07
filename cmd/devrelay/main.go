// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// devrelay - an in-memory relay for exercising nostr-rx clients locally.
package main

import (
	"context"
	"flag"
	"net"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/fiatjaf/eventstore/slicestore"
	"github.com/fiatjaf/khatru"
	"github.com/nbd-wtf/go-nostr"
	nip11 "github.com/nbd-wtf/go-nostr/nip11"

	"github.com/girino/nostr-rx/logging"
)

// devConfig holds the devrelay settings. Flags override environment.
type devConfig struct {
	Addr             string
	Name             string
	ServiceURL       string
	RequireAuth      bool
	MaxSubscriptions int
	Verbose          string
}

func getEnvOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func loadDevConfig(args []string) (*devConfig, error) {
	cfg := &devConfig{}
	maxSubs, _ := strconv.Atoi(getEnvOr("DEVRELAY_MAX_SUBSCRIPTIONS", "0"))
	requireAuth, _ := strconv.ParseBool(getEnvOr("DEVRELAY_REQUIRE_AUTH", "false"))

	fs := flag.NewFlagSet("devrelay", flag.ContinueOnError)
	fs.StringVar(&cfg.Addr, "addr", getEnvOr("DEVRELAY_ADDR", ":10547"), "listen address")
	fs.StringVar(&cfg.Name, "name", getEnvOr("DEVRELAY_NAME", "devrelay"), "NIP-11 relay name")
	fs.StringVar(&cfg.ServiceURL, "service-url", getEnvOr("DEVRELAY_SERVICE_URL", ""), "public ws:// URL used to validate NIP-42 auth events")
	fs.BoolVar(&cfg.RequireAuth, "require-auth", requireAuth, "reject REQ and EVENT from unauthenticated clients")
	fs.IntVar(&cfg.MaxSubscriptions, "max-subscriptions", maxSubs, "advertised limitation.max_subscriptions (0 = none)")
	fs.StringVar(&cfg.Verbose, "verbose", getEnvOr("VERBOSE", ""), "verbose logging selector")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newDevRelay builds a khatru relay backed by store.
func newDevRelay(cfg *devConfig, store *slicestore.SliceStore) *khatru.Relay {
	r := khatru.NewRelay()
	if r.Info == nil {
		r.Info = &nip11.RelayInformationDocument{}
	}
	r.Info.Name = cfg.Name
	r.Info.Software = "https://github.com/girino/nostr-rx"
	addNIPs(r.Info, 11, 45)
	r.ServiceURL = cfg.ServiceURL
	if cfg.MaxSubscriptions > 0 {
		r.Info.Limitation = &nip11.RelayLimitationDocument{MaxSubscriptions: cfg.MaxSubscriptions}
	}

	r.StoreEvent = append(r.StoreEvent, store.SaveEvent)
	r.QueryEvents = append(r.QueryEvents, store.QueryEvents)
	r.CountEvents = append(r.CountEvents, store.CountEvents)
	r.DeleteEvent = append(r.DeleteEvent, store.DeleteEvent)

	if cfg.RequireAuth {
		addNIPs(r.Info, 42)
		r.RejectFilter = append(r.RejectFilter, func(ctx context.Context, _ nostr.Filter) (bool, string) {
			if khatru.GetAuthed(ctx) == "" {
				khatru.RequestAuth(ctx)
				return true, "auth-required: this relay only serves authenticated clients"
			}
			return false, ""
		})
		r.RejectEvent = append(r.RejectEvent, func(ctx context.Context, ev *nostr.Event) (bool, string) {
			if khatru.GetAuthed(ctx) == "" {
				khatru.RequestAuth(ctx)
				return true, "auth-required: publishing requires authentication"
			}
			return false, ""
		})
	}

	r.OnConnect = append(r.OnConnect, func(ctx context.Context) {
		logging.DebugMethod("devrelay", "OnConnect", "client connected from %s", khatru.GetIP(ctx))
	})
	return r
}

func addNIPs(info *nip11.RelayInformationDocument, nips ...int) {
	for _, n := range nips {
		if !slices.ContainsFunc(info.SupportedNIPs, func(v any) bool { return v == any(n) }) {
			info.SupportedNIPs = append(info.SupportedNIPs, n)
		}
	}
}

func main() {
	cfg, err := loadDevConfig(os.Args[1:])
	if err != nil {
		logging.Fatal("parsing flags: %v", err)
	}
	logging.SetVerbose(cfg.Verbose)
	defer logging.Sync()

	store := &slicestore.SliceStore{}
	if err := store.Init(); err != nil {
		logging.Fatal("initializing store: %v", err)
	}
	defer store.Close()

	host, portStr, err := net.SplitHostPort(cfg.Addr)
	if err != nil {
		logging.Fatal("invalid addr %q: %v", cfg.Addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		logging.Fatal("invalid port %q: %v", portStr, err)
	}

	r := newDevRelay(cfg, store)
	logging.Info("devrelay listening on %s (auth=%v, max_subscriptions=%d)", cfg.Addr, cfg.RequireAuth, cfg.MaxSubscriptions)
	if strings.TrimSpace(host) == "" {
		host = "0.0.0.0"
	}
	if err := r.Start(host, port); err != nil {
		logging.Fatal("relay exited: %v", err)
	}
}
