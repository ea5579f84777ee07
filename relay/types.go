// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// types - packets, states and errors emitted by relay sessions.
package relay

import (
	"errors"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

var (
	ErrDisposed        = errors.New("relay session disposed")
	ErrRejected        = errors.New("relay rejected the connection")
	ErrRetryExhausted  = errors.New("reconnect attempts exhausted")
	ErrMalformed       = errors.New("malformed relay message")
	ErrNotice          = errors.New("relay notice")
	ErrAuthTimeout     = errors.New("authentication timed out")
	ErrAuthFailed      = errors.New("authentication failed")
	ErrAuthDisabled    = errors.New("authentication not configured")
	ErrClosedByRelay   = errors.New("subscription closed by relay")
	ErrConnectionLost  = errors.New("relay connection lost")
	ErrNoLongerDefault = errors.New("relay is no longer a default relay")
)

// State is the connection state of one relay link.
type State int32

const (
	StateInitialized State = iota
	StateConnecting
	StateConnected
	StateDormant
	StateWaitingForRetry
	StateRetrying
	StateError
	StateRejected
	StateTerminated
)

var stateNames = [...]string{
	StateInitialized:     "initialized",
	StateConnecting:      "connecting",
	StateConnected:       "connected",
	StateDormant:         "dormant",
	StateWaitingForRetry: "waiting-for-retry",
	StateRetrying:        "retrying",
	StateError:           "error",
	StateRejected:        "rejected",
	StateTerminated:      "terminated",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", s)
	}
	return stateNames[s]
}

// States lists every state in order.
func States() []State {
	out := make([]State, len(stateNames))
	for i := range stateNames {
		out[i] = State(i)
	}
	return out
}

// Terminal reports whether the link will not recover on its own.
func (s State) Terminal() bool {
	return s == StateError || s == StateRejected || s == StateTerminated
}

// Mode tags a subscription's lifetime on a session.
type Mode int

const (
	// ModeDefault subscriptions live only while the session is a default relay.
	ModeDefault Mode = iota
	// ModeTemporary subscriptions target explicit relays and outlive default changes.
	ModeTemporary
)

func (m Mode) String() string {
	if m == ModeDefault {
		return "default"
	}
	return "temporary"
}

// PacketKind discriminates Packet.
type PacketKind int

const (
	PacketEvent PacketKind = iota
	PacketEOSE
	PacketClosed
	PacketState
	PacketDone
)

// Packet is what a subscription sink receives from one relay.
type Packet struct {
	Kind   PacketKind
	From   string
	SubID  string
	Event  *nostr.Event
	Reason string // CLOSED message
	State  State  // PacketState
	Err    error  // PacketDone: why the subscription ended, nil on a clean end
}

// Sink receives subscription packets. It runs on the session loop and must
// not block.
type Sink func(Packet)

// OKPacket is the outcome of one publish on one relay.
type OKPacket struct {
	From    string
	EventID string
	OK      bool
	Notice  string
	Err     error // set when no OK could be obtained
}

// OKSink receives publish outcomes. It runs on the session loop and must not block.
type OKSink func(OKPacket)

// ErrorKind classifies relay-level failures.
type ErrorKind int

const (
	KindRetryExhausted ErrorKind = iota
	KindRejected
	KindMalformed
	KindNotice
	KindAuth
)

func (k ErrorKind) String() string {
	switch k {
	case KindRetryExhausted:
		return "retry-exhausted"
	case KindRejected:
		return "rejected"
	case KindMalformed:
		return "malformed"
	case KindNotice:
		return "notice"
	case KindAuth:
		return "auth"
	}
	return "unknown"
}

// Error is a relay-level failure reported on the error stream.
type Error struct {
	URL  string
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s [%s]: %v", e.URL, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
