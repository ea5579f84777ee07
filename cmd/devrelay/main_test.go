package main

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fiatjaf/eventstore/slicestore"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/girino/nostr-rx/capability"
	"github.com/girino/nostr-rx/registry"
	"github.com/girino/nostr-rx/relay"
	"github.com/girino/nostr-rx/signer"
)

func startDevRelay(t *testing.T, cfg *devConfig) string {
	t.Helper()
	store := &slicestore.SliceStore{}
	require.NoError(t, store.Init())
	t.Cleanup(store.Close)

	srv := httptest.NewUnstartedServer(nil)
	url := "ws://" + srv.Listener.Addr().String()
	cfg.ServiceURL = url
	srv.Config.Handler = newDevRelay(cfg, store)
	srv.Start()
	t.Cleanup(srv.Close)
	return url
}

func newClient(t *testing.T, url string, opts ...registry.Option) *registry.Registry {
	t.Helper()
	reg := registry.New(append([]registry.Option{
		registry.WithSkipFetchCapabilityHint(true),
		registry.WithOKTimeout(3 * time.Second),
	}, opts...)...)
	t.Cleanup(reg.Dispose)
	require.NoError(t, reg.SetDefaultRelays(registry.RelayConfig{URL: url, Read: true, Write: true}))
	return reg
}

func note(content string) nostr.Event {
	return nostr.Event{Kind: nostr.KindTextNote, CreatedAt: nostr.Now(), Content: content, Tags: nostr.Tags{}}
}

func TestLoadDevConfig(t *testing.T) {
	t.Setenv("DEVRELAY_MAX_SUBSCRIPTIONS", "5")
	t.Setenv("DEVRELAY_NAME", "env-name")

	cfg, err := loadDevConfig([]string{"-require-auth", "-name", "flag-name"})
	require.NoError(t, err)
	assert.Equal(t, ":10547", cfg.Addr)
	assert.Equal(t, "flag-name", cfg.Name)
	assert.Equal(t, 5, cfg.MaxSubscriptions)
	assert.True(t, cfg.RequireAuth)
}

func TestDevRelay_AdvertisesLimitation(t *testing.T) {
	url := startDevRelay(t, &devConfig{Name: "limited", MaxSubscriptions: 3})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	limit, ok, err := capability.FetchNIP11(ctx, url)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 3, limit)
}

func TestDevRelay_AuthRequired(t *testing.T) {
	url := startDevRelay(t, &devConfig{Name: "private", RequireAuth: true})
	ks := signer.GenerateKeySigner()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	anon := newClient(t, url, registry.WithSigner(ks))
	p, err := anon.Send(ctx, note("anonymous"))
	require.NoError(t, err)
	results, err := p.Wait(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].OK)
	assert.True(t, relay.IsAuthRequired(results[0].Notice))

	authed := newClient(t, url, registry.WithSigner(ks), registry.WithAuthenticator(relay.AuthConfig{}))
	p, err = authed.Send(ctx, note("authenticated"))
	require.NoError(t, err)
	_, err = p.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Accepted())

	counts, err := authed.Count(ctx, nostr.Filters{{Kinds: []int{nostr.KindTextNote}}})
	require.NoError(t, err)
	total, err := registry.TotalCount(counts)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
}

func TestDevRelay_NoAuth(t *testing.T) {
	url := startDevRelay(t, &devConfig{Name: "open"})
	ks := signer.GenerateKeySigner()
	reg := newClient(t, url, registry.WithSigner(ks))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p, err := reg.Send(ctx, note("hello"))
	require.NoError(t, err)
	_, err = p.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Accepted())
}
