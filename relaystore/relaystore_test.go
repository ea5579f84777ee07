package relaystore

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fiatjaf/eventstore/slicestore"
	"github.com/fiatjaf/khatru"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/girino/nostr-rx/registry"
	"github.com/girino/nostr-rx/signer"
)

// newUpstream starts an in-memory khatru relay and returns its ws:// URL.
func newUpstream(t *testing.T, mutate func(*khatru.Relay)) string {
	t.Helper()
	store := &slicestore.SliceStore{}
	require.NoError(t, store.Init())
	t.Cleanup(store.Close)

	relay := khatru.NewRelay()
	relay.StoreEvent = append(relay.StoreEvent, store.SaveEvent)
	relay.QueryEvents = append(relay.QueryEvents, store.QueryEvents)
	relay.CountEvents = append(relay.CountEvents, store.CountEvents)
	if mutate != nil {
		mutate(relay)
	}

	srv := httptest.NewServer(relay)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newStore(t *testing.T, sg signer.Signer, urls ...string) *RelayStore {
	t.Helper()
	reg := registry.New(
		registry.WithSigner(sg),
		registry.WithSkipFetchCapabilityHint(true),
		registry.WithOKTimeout(3*time.Second),
		registry.WithEOSETimeout(3*time.Second),
	)
	t.Cleanup(reg.Dispose)

	relays := make([]registry.RelayConfig, 0, len(urls))
	for _, u := range urls {
		relays = append(relays, registry.RelayConfig{URL: u, Read: true, Write: true})
	}
	require.NoError(t, reg.SetDefaultRelays(relays...))

	rs := New(reg, WithPublishTimeout(3*time.Second), WithQueryTimeout(3*time.Second))
	require.NoError(t, rs.Init())
	t.Cleanup(rs.Close)
	return rs
}

func signedNote(t *testing.T, sg signer.Signer, content string) *nostr.Event {
	t.Helper()
	ev := &nostr.Event{Kind: nostr.KindTextNote, CreatedAt: nostr.Now(), Content: content, Tags: nostr.Tags{}}
	require.NoError(t, sg.SignEvent(context.Background(), ev))
	return ev
}

func drain(t *testing.T, ch chan *nostr.Event) []*nostr.Event {
	t.Helper()
	var out []*nostr.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("query did not finish")
			return out
		}
	}
}

func TestRelayStore_SaveQueryCount(t *testing.T) {
	sg := signer.GenerateKeySigner()
	rs := newStore(t, sg, newUpstream(t, nil))
	ctx := context.Background()

	ev := signedNote(t, sg, "through the registry")
	require.NoError(t, rs.SaveEvent(ctx, ev))

	ch, err := rs.QueryEvents(ctx, nostr.Filter{IDs: []string{ev.ID}})
	require.NoError(t, err)
	got := drain(t, ch)
	require.Len(t, got, 1)
	assert.Equal(t, ev.ID, got[0].ID)

	n, err := rs.CountEvents(ctx, nostr.Filter{Kinds: []int{nostr.KindTextNote}})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	st := rs.Stats()
	assert.EqualValues(t, 1, st.PublishAttempts)
	assert.EqualValues(t, 1, st.PublishSuccesses)
	assert.EqualValues(t, 1, st.QueryEventsReturned)
	assert.EqualValues(t, 1, st.CountRequests)
}

func TestRelayStore_QueryDeduplicatesAcrossRelays(t *testing.T) {
	sg := signer.GenerateKeySigner()
	rs := newStore(t, sg, newUpstream(t, nil), newUpstream(t, nil))
	ctx := context.Background()

	ev := signedNote(t, sg, "on both")
	require.NoError(t, rs.SaveEvent(ctx, ev))
	// the first OK returns early; give the second relay time to store it
	time.Sleep(200 * time.Millisecond)

	ch, err := rs.QueryEvents(ctx, nostr.Filter{Kinds: []int{nostr.KindTextNote}})
	require.NoError(t, err)
	assert.Len(t, drain(t, ch), 1)
}

func TestRelayStore_SaveRejected(t *testing.T) {
	sg := signer.GenerateKeySigner()
	url := newUpstream(t, func(r *khatru.Relay) {
		r.RejectEvent = append(r.RejectEvent, func(ctx context.Context, ev *nostr.Event) (bool, string) {
			return true, "blocked: not today"
		})
	})
	rs := newStore(t, sg, url)

	err := rs.SaveEvent(context.Background(), signedNote(t, sg, "nope"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not today")
	assert.EqualValues(t, 1, rs.Stats().ConsecutivePublishFailures)
}

func TestRelayStore_NoRemotes(t *testing.T) {
	sg := signer.GenerateKeySigner()
	rs := newStore(t, sg)
	assert.NoError(t, rs.SaveEvent(context.Background(), signedNote(t, sg, "void")))
	assert.NoError(t, rs.DeleteEvent(context.Background(), nil))
}
