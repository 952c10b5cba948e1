// Package oracle resolves settlement prices for an identifier at a timestamp.
// A price that has not been resolved yet is reported as pending, never as a
// failure, so callers can retry later.
package oracle

import (
	"context"
	"fmt"
	"sync"
	"time"

	fpmath "SynthLedger/internal/math"
	"SynthLedger/internal/whitelist"
)

type Status uint8

const (
	StatusPending Status = iota
	StatusResolved
)

func (s Status) String() string {
	if s == StatusResolved {
		return "resolved"
	}
	return "pending"
}

// Quote is the oracle's answer for (identifier, time).
type Quote struct {
	Identifier whitelist.Identifier
	Time       time.Time
	Price      fpmath.Decimal // collateral per token; zero while pending
	Status     Status
}

func (q Quote) Resolved() bool { return q.Status == StatusResolved }

// Oracle is the price-resolution capability injected into an engine.
type Oracle interface {
	// RequestPrice registers interest in a price. Idempotent.
	RequestPrice(ctx context.Context, id whitelist.Identifier, ts time.Time) error
	// GetPrice returns the quote, with StatusPending if not yet resolved.
	GetPrice(ctx context.Context, id whitelist.Identifier, ts time.Time) (Quote, error)
}

type priceKey struct {
	id   whitelist.Identifier
	unix int64
}

// Store is an in-process oracle fed by PushPrice (tests, dev, and the NATS
// price feed).
type Store struct {
	mu        sync.RWMutex
	prices    map[priceKey]fpmath.Decimal
	requested map[priceKey]struct{}
}

func NewStore() *Store {
	return &Store{
		prices:    make(map[priceKey]fpmath.Decimal),
		requested: make(map[priceKey]struct{}),
	}
}

func (s *Store) RequestPrice(_ context.Context, id whitelist.Identifier, ts time.Time) error {
	s.mu.Lock()
	s.requested[priceKey{id, ts.Unix()}] = struct{}{}
	s.mu.Unlock()
	return nil
}

func (s *Store) GetPrice(_ context.Context, id whitelist.Identifier, ts time.Time) (Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q := Quote{Identifier: id, Time: ts, Status: StatusPending}
	if p, ok := s.prices[priceKey{id, ts.Unix()}]; ok {
		q.Price = p
		q.Status = StatusResolved
	}
	return q, nil
}

// PushPrice resolves a price. A resolved price is final: pushing a different
// value for the same key fails.
func (s *Store) PushPrice(id whitelist.Identifier, ts time.Time, price fpmath.Decimal) error {
	k := priceKey{id, ts.Unix()}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.prices[k]; ok && !existing.Equal(price) {
		return fmt.Errorf("price for %s at %d already resolved to %s", id, k.unix, existing)
	}
	s.prices[k] = price
	return nil
}

// Requested lists requests that have no resolved price yet.
func (s *Store) Requested() []Quote {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Quote
	for k := range s.requested {
		if _, ok := s.prices[k]; ok {
			continue
		}
		out = append(out, Quote{Identifier: k.id, Time: time.Unix(k.unix, 0).UTC(), Status: StatusPending})
	}
	return out
}
