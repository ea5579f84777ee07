package relay

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"

	"github.com/girino/nostr-rx/signer"
	"github.com/girino/nostr-rx/transport/transporttest"
)

const testURL = "wss://relay.test"

type harness struct {
	t      *testing.T
	relay  *transporttest.Relay
	clock  *clock.Mock
	states chan State
	errs   chan *Error
	s      *Session
}

func noJitter() time.Duration { return 0 }

func testConfig(r *transporttest.Relay, mock *clock.Mock) Config {
	return Config{
		Dialer:                  r,
		Clock:                   mock,
		SkipFetchCapabilityHint: true,
		SkipVerify:              true,
		Retry: RetryConfig{
			Strategy:     RetryExponential,
			InitialDelay: time.Second,
			MaxCount:     3,
			Jitter:       noJitter,
		},
		DisconnectTimeout: time.Minute,
		AuthTimeout:       5 * time.Second,
	}
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		relay:  transporttest.NewRelay(),
		clock:  clock.NewMock(),
		states: make(chan State, 64),
		errs:   make(chan *Error, 64),
	}
	h.clock.Set(time.Now())
	cfg := testConfig(h.relay, h.clock)
	if mutate != nil {
		mutate(&cfg)
	}
	h.s = NewSession(testURL, cfg, Hooks{
		OnState: func(url string, st State) {
			select {
			case h.states <- st:
			default:
			}
		},
		OnError: func(err *Error) {
			select {
			case h.errs <- err:
			default:
			}
		},
	})
	t.Cleanup(h.s.Dispose)
	return h
}

func (h *harness) waitState(want State) {
	h.t.Helper()
	deadline := time.After(transporttest.DefaultWait)
	for {
		select {
		case st := <-h.states:
			if st == want {
				return
			}
		case <-deadline:
			h.t.Fatalf("state %s not reached", want)
		}
	}
}

func (h *harness) waitError(kind ErrorKind) *Error {
	h.t.Helper()
	deadline := time.After(transporttest.DefaultWait)
	for {
		select {
		case err := <-h.errs:
			if err.Kind == kind {
				return err
			}
		case <-deadline:
			h.t.Fatalf("no %s error reported", kind)
			return nil
		}
	}
}

// advanceUntil moves the mock clock by step until ready reports true.
func (h *harness) advanceUntil(step time.Duration, ready func() bool) {
	h.t.Helper()
	deadline := time.Now().Add(transporttest.DefaultWait)
	for !ready() {
		if time.Now().After(deadline) {
			h.t.Fatal("condition not reached while advancing the clock")
		}
		h.clock.Add(step)
		time.Sleep(5 * time.Millisecond)
	}
}

func (h *harness) info() Info {
	h.t.Helper()
	info, ok := h.s.Inspect(context.Background())
	require.True(h.t, ok)
	return info
}

type collector struct {
	ch chan Packet
}

func newCollector() *collector {
	return &collector{ch: make(chan Packet, 256)}
}

func (c *collector) sink(p Packet) { c.ch <- p }

func (c *collector) next(t *testing.T) Packet {
	t.Helper()
	select {
	case p := <-c.ch:
		return p
	case <-time.After(transporttest.DefaultWait):
		t.Fatal("no packet delivered")
		return Packet{}
	}
}

func (c *collector) waitKind(t *testing.T, kind PacketKind) Packet {
	t.Helper()
	deadline := time.After(transporttest.DefaultWait)
	for {
		select {
		case p := <-c.ch:
			if p.Kind == kind {
				return p
			}
		case <-deadline:
			t.Fatalf("no packet of kind %d delivered", kind)
			return Packet{}
		}
	}
}

func (c *collector) expectNone(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case p := <-c.ch:
		t.Fatalf("unexpected packet %+v", p)
	case <-time.After(d):
	}
}

func textFilter() nostr.Filters {
	return nostr.Filters{{Kinds: []int{nostr.KindTextNote}}}
}

func signedNote(t *testing.T, s signer.Signer, content string, tags nostr.Tags) nostr.Event {
	t.Helper()
	ev := nostr.Event{
		Kind:      nostr.KindTextNote,
		CreatedAt: nostr.Now(),
		Content:   content,
		Tags:      tags,
	}
	if ev.Tags == nil {
		ev.Tags = nostr.Tags{}
	}
	require.NoError(t, s.SignEvent(context.Background(), &ev))
	return ev
}
