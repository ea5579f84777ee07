// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Package transporttest provides an in-memory relay endpoint for tests.
//
// Each Dial creates a pipe; the relay side is handed out through Accept so a
// test can read client frames and inject relay frames or close codes in a
// fully deterministic order.
package transporttest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"

	"github.com/girino/nostr-rx/transport"
)

// DefaultWait bounds every blocking helper in this package.
var DefaultWait = 2 * time.Second

var ErrDialRefused = errors.New("dial refused")

// Relay is a fake relay reachable through its Dial method.
type Relay struct {
	mu       sync.Mutex
	accepted chan *ServerConn
	failDial int
	dials    int
}

// NewRelay creates a fake relay.
func NewRelay() *Relay {
	return &Relay{accepted: make(chan *ServerConn, 64)}
}

// Dial implements transport.Dialer.
func (r *Relay) Dial(ctx context.Context, url string) (transport.Conn, error) {
	r.mu.Lock()
	r.dials++
	if r.failDial > 0 {
		r.failDial--
		r.mu.Unlock()
		return nil, ErrDialRefused
	}
	r.mu.Unlock()

	sc := &ServerConn{
		URL:          url,
		toClient:     make(chan []byte, 1024),
		fromClient:   make(chan []byte, 1024),
		closed:       make(chan struct{}),
		clientClosed: make(chan struct{}),
	}
	r.accepted <- sc
	return &clientConn{s: sc}, nil
}

// FailNextDials makes the next n dials fail.
func (r *Relay) FailNextDials(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failDial = n
}

// Dials returns how many dials were attempted.
func (r *Relay) Dials() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dials
}

// Accept waits for the next client connection.
func (r *Relay) Accept(t testing.TB) *ServerConn {
	t.Helper()
	select {
	case sc := <-r.accepted:
		return sc
	case <-time.After(DefaultWait):
		t.Fatalf("no connection accepted within %v", DefaultWait)
		return nil
	}
}

// ExpectNoConnection asserts that nobody dials within d.
func (r *Relay) ExpectNoConnection(t testing.TB, d time.Duration) {
	t.Helper()
	select {
	case sc := <-r.accepted:
		t.Fatalf("unexpected connection to %s", sc.URL)
	case <-time.After(d):
	}
}

// Frame is one decoded client or relay message.
type Frame []json.RawMessage

// Label returns the message type ("REQ", "EVENT", ...).
func (f Frame) Label() string {
	return f.String(0)
}

// String decodes element i as a string.
func (f Frame) String(i int) string {
	if i >= len(f) {
		return ""
	}
	var s string
	_ = json.Unmarshal(f[i], &s)
	return s
}

// Event decodes element i as an event.
func (f Frame) Event(i int) nostr.Event {
	var ev nostr.Event
	if i < len(f) {
		_ = json.Unmarshal(f[i], &ev)
	}
	return ev
}

// Filters decodes every element from i on as a filter.
func (f Frame) Filters(from int) nostr.Filters {
	var out nostr.Filters
	for i := from; i < len(f); i++ {
		var fl nostr.Filter
		_ = json.Unmarshal(f[i], &fl)
		out = append(out, fl)
	}
	return out
}

// ServerConn is the relay end of one client connection.
type ServerConn struct {
	URL string

	toClient   chan []byte
	fromClient chan []byte

	closeOnce sync.Once
	closed    chan struct{}
	closeCode int

	clientOnce   sync.Once
	clientClosed chan struct{}
	clientCode   int
}

// Send writes a raw frame to the client.
func (s *ServerConn) Send(raw string) {
	s.toClient <- []byte(raw)
}

// SendJSON encodes v as a JSON array and writes it to the client.
func (s *ServerConn) SendJSON(t testing.TB, v ...any) {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	s.toClient <- b
}

// Close ends the connection from the relay side with code.
func (s *ServerConn) Close(code int) {
	s.closeOnce.Do(func() {
		s.closeCode = code
		close(s.closed)
	})
}

// Recv waits for the next client frame.
func (s *ServerConn) Recv(t testing.TB) Frame {
	t.Helper()
	select {
	case raw := <-s.fromClient:
		var f Frame
		require.NoError(t, json.Unmarshal(raw, &f), "client sent malformed frame %s", raw)
		return f
	case <-time.After(DefaultWait):
		t.Fatalf("no client frame within %v", DefaultWait)
		return nil
	}
}

// RecvLabel waits for the next client frame and checks its label.
func (s *ServerConn) RecvLabel(t testing.TB, label string) Frame {
	t.Helper()
	f := s.Recv(t)
	require.Equal(t, label, f.Label(), "unexpected frame %v", f)
	return f
}

// ExpectSilence asserts that the client sends nothing within d.
func (s *ServerConn) ExpectSilence(t testing.TB, d time.Duration) {
	t.Helper()
	select {
	case raw := <-s.fromClient:
		t.Fatalf("unexpected client frame %s", raw)
	case <-time.After(d):
	}
}

// WaitClientClose waits until the client closes and returns its close code.
func (s *ServerConn) WaitClientClose(t testing.TB) int {
	t.Helper()
	select {
	case <-s.clientClosed:
		return s.clientCode
	case <-time.After(DefaultWait):
		t.Fatalf("client did not close within %v", DefaultWait)
		return 0
	}
}

type clientConn struct {
	s *ServerConn
}

func (c *clientConn) WriteMessage(data []byte) error {
	select {
	case <-c.s.closed:
		return transport.ErrClosed
	case <-c.s.clientClosed:
		return transport.ErrClosed
	default:
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	c.s.fromClient <- buf
	return nil
}

func (c *clientConn) ReadMessage() ([]byte, error) {
	// queued frames win over a close that raced them
	select {
	case m := <-c.s.toClient:
		return m, nil
	default:
	}
	select {
	case <-c.s.closed:
		return nil, &transport.CloseError{Code: c.s.closeCode}
	default:
	}
	select {
	case m := <-c.s.toClient:
		return m, nil
	case <-c.s.closed:
		return nil, &transport.CloseError{Code: c.s.closeCode}
	case <-c.s.clientClosed:
		return nil, &transport.CloseError{Code: c.s.clientCode}
	}
}

func (c *clientConn) Close(code int, reason string) error {
	c.s.clientOnce.Do(func() {
		c.s.clientCode = code
		close(c.s.clientClosed)
	})
	return nil
}
