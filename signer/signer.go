// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Package signer holds the signing and verification capabilities the relay
// layer consumes, with go-nostr backed defaults.
package signer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
)

var (
	ErrInvalidKey = errors.New("invalid secret key")
)

// Signer fills in PubKey, ID and Sig of an event.
type Signer interface {
	SignEvent(ctx context.Context, ev *nostr.Event) error
	GetPublicKey(ctx context.Context) (string, error)
}

// Verifier checks an event's id and signature.
type Verifier interface {
	VerifyEvent(ev *nostr.Event) bool
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ev *nostr.Event) bool

func (f VerifierFunc) VerifyEvent(ev *nostr.Event) bool { return f(ev) }

// DefaultVerifier verifies with go-nostr's schnorr implementation.
var DefaultVerifier Verifier = VerifierFunc(func(ev *nostr.Event) bool {
	ok, err := ev.CheckSignature()
	return err == nil && ok
})

// KeySigner signs with an in-memory secret key.
type KeySigner struct {
	sk     string
	pubkey string
}

// NewKeySigner accepts a hex secret key or an nsec.
func NewKeySigner(key string) (*KeySigner, error) {
	key = strings.TrimSpace(key)
	if strings.HasPrefix(key, "nsec") {
		prefix, value, err := nip19.Decode(key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		hex, ok := value.(string)
		if prefix != "nsec" || !ok {
			return nil, ErrInvalidKey
		}
		key = hex
	}
	if len(key) != 64 {
		return nil, ErrInvalidKey
	}
	pk, err := nostr.GetPublicKey(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return &KeySigner{sk: key, pubkey: pk}, nil
}

// GenerateKeySigner creates a signer with a fresh random key.
func GenerateKeySigner() *KeySigner {
	s, err := NewKeySigner(nostr.GeneratePrivateKey())
	if err != nil {
		panic(err)
	}
	return s
}

func (s *KeySigner) SignEvent(ctx context.Context, ev *nostr.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return ev.Sign(s.sk)
}

func (s *KeySigner) GetPublicKey(ctx context.Context) (string, error) {
	return s.pubkey, nil
}

// PublicKey returns the hex public key.
func (s *KeySigner) PublicKey() string {
	return s.pubkey
}
