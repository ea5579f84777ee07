// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// count - NIP-45 COUNT requests.
package relay

import (
	"bytes"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

// CountFunc receives the answer to a COUNT request.
type CountFunc func(count int64, err error)

type countRequest struct {
	id      string
	filters nostr.Filters
	cb      CountFunc
}

func noticeError(msg string) error {
	return fmt.Errorf("%w: %s", ErrNotice, msg)
}

// Count asks the relay how many events match filters (NIP-45). cb runs on the
// session loop.
func (s *Session) Count(id string, filters nostr.Filters, cb CountFunc) {
	ok := s.post(func() {
		if s.disposed {
			cb(0, ErrDisposed)
			return
		}
		if _, dup := s.counts[id]; dup {
			cb(0, fmt.Errorf("count %s already pending", id))
			return
		}
		if st := s.link.state; st.Terminal() {
			cb(0, fmt.Errorf("%w: %s", ErrConnectionLost, st))
			return
		}
		req := &countRequest{id: id, filters: filters, cb: cb}
		s.counts[id] = req
		s.sendCount(req)
		s.evaluate()
	})
	if !ok {
		cb(0, ErrDisposed)
	}
}

// CancelCount drops a pending COUNT without calling back.
func (s *Session) CancelCount(id string) {
	s.post(func() {
		if _, ok := s.counts[id]; ok {
			delete(s.counts, id)
			s.evaluate()
		}
	})
}

// countFrame encodes ["COUNT", id, filter...]. CountEnvelope carries a
// single filter, so several filters reuse the REQ encoding.
func countFrame(id string, filters nostr.Filters) ([]byte, error) {
	if len(filters) == 1 {
		return nostr.CountEnvelope{SubscriptionID: id, Filter: filters[0]}.MarshalJSON()
	}
	req, err := nostr.ReqEnvelope{SubscriptionID: id, Filters: filters}.MarshalJSON()
	if err != nil {
		return nil, err
	}
	rest, ok := bytes.CutPrefix(req, []byte(`["REQ",`))
	if !ok {
		return nil, fmt.Errorf("unexpected REQ encoding %.40s", req)
	}
	return append([]byte(`["COUNT",`), rest...), nil
}

func (s *Session) sendCount(req *countRequest) {
	frame, err := countFrame(req.id, req.filters)
	if err != nil {
		s.finishCount(req.id, 0, err)
		return
	}
	s.link.send(frame)
}

func (s *Session) finishCount(id string, n int64, err error) {
	req, ok := s.counts[id]
	if !ok {
		return
	}
	delete(s.counts, id)
	req.cb(n, err)
	s.evaluate()
}

func (s *Session) countResult(env *nostr.CountEnvelope) {
	if env.Count == nil {
		return
	}
	s.finishCount(env.SubscriptionID, *env.Count, nil)
}

func (s *Session) countClosed(env *nostr.ClosedEnvelope) bool {
	if _, ok := s.counts[env.SubscriptionID]; !ok {
		return false
	}
	s.finishCount(env.SubscriptionID, 0, fmt.Errorf("%w: %s", ErrClosedByRelay, env.Reason))
	return true
}

func (s *Session) replayCounts() {
	for _, req := range s.counts {
		s.sendCount(req)
	}
}

func (s *Session) failCounts(st State) {
	if !st.Terminal() {
		return
	}
	cause := ErrDisposed
	if st != StateTerminated {
		cause = fmt.Errorf("%w: %s", ErrConnectionLost, st)
	}
	for id := range s.counts {
		s.finishCount(id, 0, cause)
	}
}
