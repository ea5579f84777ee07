package registry

import (
	"context"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/girino/nostr-rx/relay"
	"github.com/girino/nostr-rx/signer"
	"github.com/girino/nostr-rx/transport/transporttest"
)

func nextOK(t *testing.T, p *Publication) relay.OKPacket {
	t.Helper()
	select {
	case res, ok := <-p.Results():
		require.True(t, ok, "results closed")
		return res
	case <-time.After(transporttest.DefaultWait):
		t.Fatal("no OK result")
		return relay.OKPacket{}
	}
}

func TestSend_OKAndTimeout(t *testing.T) {
	n := newTestNet(t, WithOKTimeout(10*time.Second))
	require.NoError(t, n.reg.SetDefaultRelays(
		RelayConfig{URL: relay1, Write: true},
		RelayConfig{URL: relay2, Write: true},
	))

	p, err := n.reg.Send(context.Background(), nostr.Event{
		Kind:      nostr.KindTextNote,
		CreatedAt: nostr.Now(),
		Content:   "hello",
		Tags:      nostr.Tags{},
	})
	require.NoError(t, err)
	assert.Equal(t, n.signer.PublicKey(), p.Event().PubKey)

	sc1, sc2 := n.accept(relay1), n.accept(relay2)
	assert.Equal(t, p.EventID(), sc1.RecvLabel(t, "EVENT").Event(1).ID)
	assert.Equal(t, p.EventID(), sc2.RecvLabel(t, "EVENT").Event(1).ID)

	sc1.SendJSON(t, "OK", p.EventID(), true, "")
	first := nextOK(t, p)
	assert.Equal(t, relay1, first.From)
	assert.True(t, first.OK)
	notDone(t, p.Done())

	n.clock.Add(10 * time.Second)
	second := nextOK(t, p)
	assert.Equal(t, relay2, second.From)
	assert.ErrorIs(t, second.Err, ErrOKTimeout)

	waitDone(t, p.Done())
	_, open := <-p.Results()
	assert.False(t, open)
	assert.Equal(t, 1, p.Accepted())

	st := n.reg.Stats(context.Background())
	assert.EqualValues(t, 1, st.Publishes)
	assert.EqualValues(t, 1, st.OKAccepted)
	assert.EqualValues(t, 1, st.OKTimeouts)
}

func TestSend_Rejected(t *testing.T) {
	n := newTestNet(t)
	ev := n.note("spam")

	p, err := n.reg.Send(context.Background(), ev, OnRelays(relay1))
	require.NoError(t, err)
	sc := n.accept(relay1)
	sc.RecvLabel(t, "EVENT")
	sc.SendJSON(t, "OK", ev.ID, false, "blocked: spam")

	res, err := p.Wait(context.Background())
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.False(t, res[0].OK)
	assert.Equal(t, "blocked: spam", res[0].Notice)
}

func TestSend_SignWith(t *testing.T) {
	n := newTestNet(t)
	other := signer.GenerateKeySigner()

	p, err := n.reg.Send(context.Background(), nostr.Event{Kind: 1, CreatedAt: nostr.Now(), Tags: nostr.Tags{}},
		OnRelays(relay1), SignWith(other))
	require.NoError(t, err)
	ev := p.Event()
	assert.Equal(t, other.PublicKey(), ev.PubKey)
	ok, err := ev.CheckSignature()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSend_Errors(t *testing.T) {
	n := newTestNet(t, WithSigner(nil))

	_, err := n.reg.Send(context.Background(), nostr.Event{Kind: 1}, OnRelays(relay1))
	assert.ErrorIs(t, err, ErrNoSigner)

	_, err = n.reg.Send(context.Background(), n.note("nowhere"))
	assert.ErrorIs(t, err, ErrNoTargets)

	require.NoError(t, n.reg.SetDefaultRelays(RelayConfig{URL: relay1, Read: true}))
	_, err = n.reg.Send(context.Background(), n.note("read only"))
	assert.ErrorIs(t, err, ErrNoTargets)
}

func TestSend_ContextCancel(t *testing.T) {
	n := newTestNet(t)
	ctx, cancel := context.WithCancel(context.Background())

	p, err := n.reg.Send(ctx, n.note("bye"), OnRelays(relay1))
	require.NoError(t, err)
	n.accept(relay1).RecvLabel(t, "EVENT")
	cancel()

	res := nextOK(t, p)
	assert.ErrorIs(t, res.Err, context.Canceled)
	waitDone(t, p.Done())
}
