package relay

import (
	"context"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/girino/nostr-rx/signer"
	"github.com/girino/nostr-rx/transport/transporttest"
)

func withAuth(sg signer.Signer, aggressive bool) func(*Config) {
	return func(cfg *Config) {
		cfg.Signer = sg
		cfg.Auth = &AuthConfig{Aggressive: aggressive}
	}
}

func requireAuthEvent(t *testing.T, f transporttest.Frame, challenge string) nostr.Event {
	t.Helper()
	require.Equal(t, "AUTH", f.Label())
	ev := f.Event(1)
	assert.Equal(t, nostr.KindClientAuthentication, ev.Kind)
	assert.Empty(t, ev.Content)
	assert.Equal(t, nostr.Tags{{"relay", testURL}, {"challenge", challenge}}, ev.Tags)
	ok, err := ev.CheckSignature()
	require.NoError(t, err)
	assert.True(t, ok)
	return ev
}

// CLOSED auth-required, challenge, AUTH, OK, and the REQ goes out again.
func TestAuth_ClosedAuthRequiredRetriesREQ(t *testing.T) {
	sg := signer.GenerateKeySigner()
	h := newHarness(t, withAuth(sg, false))
	c := newCollector()

	h.s.Subscribe(SubRequest{ID: "sub:0", Filters: textFilter(), Mode: ModeTemporary, Sink: c.sink})
	sc := h.relay.Accept(t)
	first := sc.RecvLabel(t, "REQ")

	sc.SendJSON(t, "CLOSED", "sub:0", "auth-required: x")
	sc.SendJSON(t, "AUTH", "chal1")

	ev := requireAuthEvent(t, sc.Recv(t), "chal1")
	assert.Equal(t, sg.PublicKey(), ev.PubKey)
	sc.SendJSON(t, "OK", ev.ID, true, "")

	again := sc.RecvLabel(t, "REQ")
	assert.Equal(t, "sub:0", again.String(1))
	assert.Equal(t, first.Filters(2), again.Filters(2))
	c.expectNone(t, 20*time.Millisecond)
}

func TestAuth_TimeoutFinalizesSubscription(t *testing.T) {
	sg := signer.GenerateKeySigner()
	h := newHarness(t, withAuth(sg, false))
	c := newCollector()

	h.s.Subscribe(SubRequest{ID: "sub:0", Filters: textFilter(), Mode: ModeTemporary, Sink: c.sink})
	sc := h.relay.Accept(t)
	sc.RecvLabel(t, "REQ")
	sc.SendJSON(t, "CLOSED", "sub:0", "auth-required: x")

	var done Packet
	h.advanceUntil(time.Second, func() bool {
		select {
		case p := <-c.ch:
			done = p
			return p.Kind == PacketDone
		default:
			return false
		}
	})
	assert.ErrorIs(t, done.Err, ErrAuthTimeout)
	assert.ErrorIs(t, h.waitError(KindAuth), ErrAuthTimeout)
	assert.Equal(t, StateConnected, h.s.State())
}

func TestAuth_RefusedAuthFinalizes(t *testing.T) {
	sg := signer.GenerateKeySigner()
	h := newHarness(t, withAuth(sg, false))
	c := newCollector()

	h.s.Subscribe(SubRequest{ID: "sub:0", Filters: textFilter(), Mode: ModeTemporary, Sink: c.sink})
	sc := h.relay.Accept(t)
	sc.RecvLabel(t, "REQ")

	sc.SendJSON(t, "AUTH", "chal1")
	sc.SendJSON(t, "CLOSED", "sub:0", "auth-required: x")
	ev := requireAuthEvent(t, sc.Recv(t), "chal1")
	sc.SendJSON(t, "OK", ev.ID, false, "restricted: not on the list")

	done := c.waitKind(t, PacketDone)
	assert.ErrorIs(t, done.Err, ErrAuthFailed)
	reported := h.waitError(KindAuth)
	assert.Equal(t, testURL, reported.URL)
	assert.ErrorIs(t, reported, ErrAuthFailed)
	sc.ExpectSilence(t, 50*time.Millisecond)
}

func TestAuth_AggressiveAnswersImmediately(t *testing.T) {
	sg := signer.GenerateKeySigner()
	h := newHarness(t, withAuth(sg, true))

	h.s.Subscribe(SubRequest{ID: "sub:0", Filters: textFilter(), Mode: ModeTemporary, Sink: newCollector().sink})
	sc := h.relay.Accept(t)
	sc.RecvLabel(t, "REQ")

	sc.SendJSON(t, "AUTH", "chal1")
	requireAuthEvent(t, sc.Recv(t), "chal1")
}

func TestAuth_NewChallengeSupersedesPending(t *testing.T) {
	sg := signer.GenerateKeySigner()
	h := newHarness(t, withAuth(sg, true))
	c := newCollector()

	h.s.Subscribe(SubRequest{ID: "sub:0", Filters: textFilter(), Mode: ModeTemporary, Sink: c.sink})
	sc := h.relay.Accept(t)
	sc.RecvLabel(t, "REQ")

	sc.SendJSON(t, "AUTH", "chal1")
	old := requireAuthEvent(t, sc.Recv(t), "chal1")
	sc.SendJSON(t, "AUTH", "chal2")
	fresh := requireAuthEvent(t, sc.Recv(t), "chal2")

	// the answer to the superseded challenge no longer settles anything
	sc.SendJSON(t, "CLOSED", "sub:0", "auth-required: x")
	sc.SendJSON(t, "OK", old.ID, true, "")
	sc.ExpectSilence(t, 50*time.Millisecond)

	sc.SendJSON(t, "OK", fresh.ID, true, "")
	assert.Equal(t, "sub:0", sc.RecvLabel(t, "REQ").String(1))
}

func TestAuth_StoredChallengePreauthenticates(t *testing.T) {
	sg := signer.GenerateKeySigner()
	store := signer.NewMemoryChallengeStore(10, time.Hour)
	store.Store(sg.PublicKey(), testURL, "remembered")

	h := newHarness(t, func(cfg *Config) {
		withAuth(sg, false)(cfg)
		cfg.ChallengeStore = store
	})

	h.s.Subscribe(SubRequest{ID: "sub:0", Filters: textFilter(), Mode: ModeTemporary, Sink: newCollector().sink})
	sc := h.relay.Accept(t)
	sc.RecvLabel(t, "REQ")
	ev := requireAuthEvent(t, sc.Recv(t), "remembered")
	sc.SendJSON(t, "OK", ev.ID, true, "")

	// a successful answer to a live challenge is remembered
	sc.SendJSON(t, "AUTH", "fresh")
	sc.SendJSON(t, "CLOSED", "sub:0", "auth-required: x")
	ev = requireAuthEvent(t, sc.Recv(t), "fresh")
	sc.SendJSON(t, "OK", ev.ID, true, "")
	sc.RecvLabel(t, "REQ")

	got, ok := store.Load(sg.PublicKey(), testURL)
	require.True(t, ok)
	assert.Equal(t, "fresh", got)
}

func TestAuth_PublishAuthRequiredResends(t *testing.T) {
	sg := signer.GenerateKeySigner()
	h := newHarness(t, withAuth(sg, false))
	oks := make(chan OKPacket, 4)

	ev := signedNote(t, sg, "hello", nil)
	h.s.Publish(ev, func(p OKPacket) { oks <- p })

	sc := h.relay.Accept(t)
	sent := sc.RecvLabel(t, "EVENT")
	assert.Equal(t, ev.ID, sent.Event(1).ID)

	sc.SendJSON(t, "OK", ev.ID, false, "auth-required: publish")
	sc.SendJSON(t, "AUTH", "chal1")
	auth := requireAuthEvent(t, sc.Recv(t), "chal1")
	sc.SendJSON(t, "OK", auth.ID, true, "")

	resent := sc.RecvLabel(t, "EVENT")
	assert.Equal(t, ev.ID, resent.Event(1).ID)
	sc.SendJSON(t, "OK", ev.ID, true, "")

	select {
	case p := <-oks:
		assert.True(t, p.OK)
		assert.NoError(t, p.Err)
		assert.Equal(t, testURL, p.From)
	case <-time.After(transporttest.DefaultWait):
		t.Fatal("no OK delivered")
	}
	info, _ := h.s.Inspect(context.Background())
	assert.Zero(t, info.Inflight)
}

func TestIsAuthRequired(t *testing.T) {
	assert.True(t, IsAuthRequired("auth-required: need it"))
	assert.False(t, IsAuthRequired("restricted: auth-required: no"))
	assert.False(t, IsAuthRequired(""))
}
