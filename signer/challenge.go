// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// challenge - NIP-42 auth event construction.
package signer

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// ChallengeStore remembers the last AUTH challenge seen per identity and relay
// so a reconnecting link can authenticate before the relay asks again.
type ChallengeStore interface {
	Load(pubkey, relayURL string) (string, bool)
	Store(pubkey, relayURL, challenge string)
}

// MemoryChallengeStore is an in-process ChallengeStore with bounded size and
// entry lifetime.
type MemoryChallengeStore struct {
	cache *expirable.LRU[string, string]
}

// NewMemoryChallengeStore creates a store holding at most size entries for ttl.
func NewMemoryChallengeStore(size int, ttl time.Duration) *MemoryChallengeStore {
	if size <= 0 {
		size = 1024
	}
	return &MemoryChallengeStore{cache: expirable.NewLRU[string, string](size, nil, ttl)}
}

func challengeKey(pubkey, relayURL string) string {
	return pubkey + "|" + relayURL
}

func (s *MemoryChallengeStore) Load(pubkey, relayURL string) (string, bool) {
	return s.cache.Get(challengeKey(pubkey, relayURL))
}

func (s *MemoryChallengeStore) Store(pubkey, relayURL, challenge string) {
	s.cache.Add(challengeKey(pubkey, relayURL), challenge)
}
