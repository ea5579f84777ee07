// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Package transport is the socket capability a relay link drives: dial a URL,
// write text frames, read text frames, close with a code.
package transport

import (
	"context"
	"errors"
	"fmt"
)

// Close codes with a defined meaning to the relay link.
const (
	// CloseGoingAway is sent by the client when it drops a broken socket.
	CloseGoingAway = 1001
	// CloseAbnormal is reported when the socket died without a close frame.
	// It is never sent on the wire.
	CloseAbnormal = 1006
	// CloseDontRetry is sent by relays that want the client to stay away.
	CloseDontRetry = 4000
	// CloseDisposed is used by the client when a link is disposed.
	CloseDisposed = 4537
	// CloseIdle is used by the client for a resumable idle disconnect.
	CloseIdle = 4538
)

var (
	ErrClosed = errors.New("transport closed")
)

// Conn is one established socket.
type Conn interface {
	// WriteMessage sends one text frame.
	WriteMessage(data []byte) error

	// ReadMessage blocks until the next text frame arrives. When the socket
	// ends it returns a *CloseError.
	ReadMessage() ([]byte, error)

	// Close sends a close frame with code and reason and releases the socket.
	Close(code int, reason string) error
}

// Dialer opens connections. Vendors can supply their own.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, url string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, url string) (Conn, error) {
	return f(ctx, url)
}

// CloseError reports why a socket ended.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("socket closed with code %d", e.Code)
	}
	return fmt.Sprintf("socket closed with code %d: %s", e.Code, e.Reason)
}

// CloseCode extracts the close code from err, defaulting to CloseAbnormal.
func CloseCode(err error) int {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CloseAbnormal
}
