// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// link - socket lifecycle, reconnect backoff and frame dispatch of a relay session.
package relay

import (
	"context"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/nbd-wtf/go-nostr"

	"github.com/girino/nostr-rx/logging"
	"github.com/girino/nostr-rx/transport"
)

// linkHandler receives everything a link observes. All calls happen on the
// session loop.
type linkHandler interface {
	linkFrame(env nostr.Envelope)
	linkOpened()
	linkReconnected(unsent [][]byte)
	linkState(from, to State)
	linkError(err *Error)
	linkOutgoing(frame []byte)
}

// link drives one socket for one relay URL. It is owned by a session and
// only touched from that session's loop.
type link struct {
	url    string
	dialer transport.Dialer
	retry  RetryConfig
	clock  clock.Clock
	post   func(func()) bool
	h      linkHandler

	state State
	conn  transport.Conn
	// gen identifies the current socket attempt; callbacks from older
	// attempts are ignored.
	gen      uint64
	attempt  int
	resuming bool

	// buffer holds frames sent before the first open; they are flushed in
	// order once connected.
	buffer [][]byte
	// unsent holds frames sent while resuming; they are handed to the
	// handler on reconnect.
	unsent [][]byte

	retryTimer *clock.Timer
	cancelDial context.CancelFunc
}

func newLink(url string, cfg *Config, post func(func()) bool, h linkHandler) *link {
	return &link{
		url:    url,
		dialer: cfg.Dialer,
		retry:  cfg.Retry,
		clock:  cfg.Clock,
		post:   post,
		h:      h,
		state:  StateInitialized,
	}
}

func (l *link) setState(s State) {
	if l.state == s {
		return
	}
	prev := l.state
	l.state = s
	logging.DebugMethod("link", "setState", "%s: %s -> %s", l.url, prev, s)
	l.h.linkState(prev, s)
}

// connect opens the socket from initialized or dormant. It is a no-op in
// every other state.
func (l *link) connect() {
	switch l.state {
	case StateInitialized, StateDormant:
		l.resuming = false
		l.dial(StateConnecting)
	}
}

// reconnect is the manual recovery path from error or rejected.
func (l *link) reconnect() {
	switch l.state {
	case StateError, StateRejected:
		l.attempt = 0
		l.resuming = true
		l.dial(StateConnecting)
	case StateInitialized, StateDormant:
		l.connect()
	}
}

func (l *link) dial(next State) {
	l.gen++
	gen := l.gen
	ctx, cancel := context.WithCancel(context.Background())
	l.cancelDial = cancel
	l.setState(next)

	dialer, url := l.dialer, l.url
	go func() {
		conn, err := dialer.Dial(ctx, url)
		if !l.post(func() { l.onDialed(gen, conn, err) }) && conn != nil {
			conn.Close(transport.CloseDisposed, "disposed")
		}
	}()
}

func (l *link) onDialed(gen uint64, conn transport.Conn, err error) {
	if gen != l.gen {
		if conn != nil {
			conn.Close(transport.CloseDisposed, "superseded")
		}
		return
	}
	if l.cancelDial != nil {
		l.cancelDial()
		l.cancelDial = nil
	}
	if err != nil {
		logging.DebugMethod("link", "onDialed", "dial %s failed: %v", l.url, err)
		l.handleClose(transport.CloseAbnormal, err)
		return
	}

	l.conn = conn
	l.attempt = 0
	go l.readLoop(conn, gen)

	resumed := l.resuming
	l.resuming = false
	l.setState(StateConnected)

	if resumed {
		unsent := append(l.unsent, l.buffer...)
		l.unsent, l.buffer = nil, nil
		l.h.linkReconnected(unsent)
		return
	}
	l.h.linkOpened()
	buffered := l.buffer
	l.buffer = nil
	for _, frame := range buffered {
		l.send(frame)
	}
}

func (l *link) readLoop(conn transport.Conn, gen uint64) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			code := transport.CloseCode(err)
			l.post(func() { l.onSocketClosed(gen, code, err) })
			return
		}
		if !l.post(func() { l.onData(gen, data) }) {
			conn.Close(transport.CloseDisposed, "disposed")
			return
		}
	}
}

func (l *link) onData(gen uint64, data []byte) {
	if gen != l.gen {
		return
	}
	env := nostr.ParseMessage(string(data))
	if env == nil {
		l.h.linkError(&Error{URL: l.url, Kind: KindMalformed, Err: fmt.Errorf("%w: %.120s", ErrMalformed, data)})
		return
	}
	l.h.linkFrame(env)
}

func (l *link) onSocketClosed(gen uint64, code int, err error) {
	if gen != l.gen {
		return
	}
	l.conn = nil
	logging.DebugMethod("link", "onSocketClosed", "%s closed with %d: %v", l.url, code, err)
	l.handleClose(code, err)
}

func (l *link) handleClose(code int, cause error) {
	switch code {
	case transport.CloseIdle, transport.CloseDisposed:
		l.setState(StateDormant)
		return
	case transport.CloseDontRetry:
		l.buffer, l.unsent = nil, nil
		l.resuming = false
		l.setState(StateRejected)
		l.h.linkError(&Error{URL: l.url, Kind: KindRejected, Err: ErrRejected})
		return
	}

	l.unsent = append(l.unsent, l.buffer...)
	l.buffer = nil
	l.resuming = true
	l.attempt++

	delay, ok := l.retry.Delay(l.attempt)
	if !ok {
		l.setState(StateError)
		l.h.linkError(&Error{
			URL:  l.url,
			Kind: KindRetryExhausted,
			Err:  fmt.Errorf("%w after %d attempts: %v", ErrRetryExhausted, l.attempt-1, cause),
		})
		return
	}

	logging.DebugMethod("link", "handleClose", "%s retry %d in %v", l.url, l.attempt, delay)
	gen := l.gen
	l.retryTimer = l.clock.AfterFunc(delay, func() {
		l.post(func() { l.onRetryTimer(gen) })
	})
	l.setState(StateWaitingForRetry)
}

func (l *link) onRetryTimer(gen uint64) {
	if gen != l.gen || l.state != StateWaitingForRetry {
		return
	}
	l.retryTimer = nil
	l.dial(StateRetrying)
}

// send writes frame when connected, buffers it when an open is pending,
// keeps it for replay while resuming, and drops it once rejected or
// terminated.
func (l *link) send(frame []byte) {
	switch l.state {
	case StateConnected:
		l.write(frame)
	case StateInitialized, StateDormant:
		l.buffer = append(l.buffer, frame)
		l.connect()
	case StateConnecting:
		if l.resuming {
			l.unsent = append(l.unsent, frame)
		} else {
			l.buffer = append(l.buffer, frame)
		}
	case StateWaitingForRetry, StateRetrying, StateError:
		l.unsent = append(l.unsent, frame)
	default:
		logging.DebugMethod("link", "send", "%s is %s, dropping %.80s", l.url, l.state, frame)
	}
}

func (l *link) write(frame []byte) {
	if err := l.conn.WriteMessage(frame); err != nil {
		logging.DebugMethod("link", "write", "%s write failed: %v", l.url, err)
		l.unsent = append(l.unsent, frame)
		// the read loop reports the close and drives the retry
		l.conn.Close(transport.CloseGoingAway, "write failed")
		return
	}
	l.h.linkOutgoing(frame)
}

func (l *link) teardown(code int, reason string) {
	l.gen++
	if l.retryTimer != nil {
		l.retryTimer.Stop()
		l.retryTimer = nil
	}
	if l.cancelDial != nil {
		l.cancelDial()
		l.cancelDial = nil
	}
	if l.conn != nil {
		l.conn.Close(code, reason)
		l.conn = nil
	}
}

// disconnect is the resumable idle close.
func (l *link) disconnect() {
	switch l.state {
	case StateConnected, StateConnecting, StateRetrying, StateWaitingForRetry:
	default:
		return
	}
	l.teardown(transport.CloseIdle, "idle")
	l.buffer, l.unsent = nil, nil
	l.resuming = false
	l.attempt = 0
	l.setState(StateDormant)
}

func (l *link) dispose() {
	if l.state == StateTerminated {
		return
	}
	l.teardown(transport.CloseDisposed, "disposed")
	l.buffer, l.unsent = nil, nil
	l.setState(StateTerminated)
}
