package registry

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"

	"github.com/girino/nostr-rx/signer"
	"github.com/girino/nostr-rx/transport"
	"github.com/girino/nostr-rx/transport/transporttest"
)

const (
	relay1 = "wss://relay1.test"
	relay2 = "wss://relay2.test"
)

type testNet struct {
	t      *testing.T
	clock  *clock.Mock
	signer *signer.KeySigner
	relays map[string]*transporttest.Relay
	reg    *Registry
}

func newTestNet(t *testing.T, opts ...Option) *testNet {
	t.Helper()
	n := &testNet{
		t:      t,
		clock:  clock.NewMock(),
		signer: signer.GenerateKeySigner(),
		relays: map[string]*transporttest.Relay{
			relay1: transporttest.NewRelay(),
			relay2: transporttest.NewRelay(),
		},
	}
	n.clock.Set(time.Now())
	dialer := transport.DialerFunc(func(ctx context.Context, url string) (transport.Conn, error) {
		r, ok := n.relays[url]
		if !ok {
			return nil, transporttest.ErrDialRefused
		}
		return r.Dial(ctx, url)
	})
	base := []Option{
		WithDialer(dialer),
		WithClock(n.clock),
		WithSigner(n.signer),
		WithSkipFetchCapabilityHint(true),
		WithSubIDPrefix("sub"),
	}
	n.reg = New(append(base, opts...)...)
	t.Cleanup(n.reg.Dispose)
	return n
}

func (n *testNet) accept(url string) *transporttest.ServerConn {
	n.t.Helper()
	return n.relays[url].Accept(n.t)
}

func (n *testNet) note(content string) nostr.Event {
	n.t.Helper()
	ev := nostr.Event{
		Kind:      nostr.KindTextNote,
		CreatedAt: nostr.Now(),
		Content:   content,
		Tags:      nostr.Tags{},
	}
	require.NoError(n.t, n.signer.SignEvent(context.Background(), &ev))
	return ev
}

func textNotes() nostr.Filter {
	return nostr.Filter{Kinds: []int{nostr.KindTextNote}}
}

func nextEvent(t *testing.T, sub *Subscription) EventPacket {
	t.Helper()
	select {
	case p, ok := <-sub.Events():
		require.True(t, ok, "event stream closed")
		return p
	case <-time.After(transporttest.DefaultWait):
		t.Fatal("no event delivered")
		return EventPacket{}
	}
}

func nextCompleted(t *testing.T, sub *Subscription) string {
	t.Helper()
	select {
	case id, ok := <-sub.Completed():
		require.True(t, ok, "completion stream closed")
		return id
	case <-time.After(transporttest.DefaultWait):
		t.Fatal("no emission completed")
		return ""
	}
}

func waitDone(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(transporttest.DefaultWait):
		t.Fatal("not done")
	}
}

func notDone(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
		t.Fatal("unexpectedly done")
	case <-time.After(50 * time.Millisecond):
	}
}
