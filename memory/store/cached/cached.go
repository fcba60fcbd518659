// Package cached wraps a fact store with a ristretto read-through cache.
// Fact lookups happen on every turn; disk-backed stores pay for it, so the
// hot path serves from memory and writes keep the cache coherent.
package cached

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"

	"github.com/becomeliminal/cofounder-go/core"
	"github.com/becomeliminal/cofounder-go/memory"
)

// Store decorates an underlying fact store with an in-process cache.
type Store struct {
	inner memory.Store
	cache *ristretto.Cache
}

// Config sizes the cache. Zero values pick defaults good for a few thousand
// active users.
type Config struct {
	// MaxCost is the cache budget in approximate bytes. Defaults to 32 MiB.
	MaxCost int64

	// NumCounters sizes the admission counters. Defaults to 10x the expected
	// number of cached entries.
	NumCounters int64
}

// New wraps inner with a cache.
func New(inner memory.Store, cfg Config) (*Store, error) {
	if cfg.MaxCost == 0 {
		cfg.MaxCost = 32 << 20
	}
	if cfg.NumCounters == 0 {
		cfg.NumCounters = 100_000
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("creating fact cache: %w", err)
	}
	return &Store{inner: inner, cache: cache}, nil
}

// Get serves from cache when possible, falling back to the inner store and
// populating the cache on miss.
func (s *Store) Get(ctx context.Context, userID string) (map[string]any, error) {
	if cached, ok := s.cache.Get(userID); ok {
		if facts, ok := cached.(map[string]any); ok {
			return core.CloneFacts(facts), nil
		}
	}
	facts, err := s.inner.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.cache.Set(userID, core.CloneFacts(facts), cost(facts))
	return facts, nil
}

// Set writes through to the inner store and refreshes the cache entry.
func (s *Store) Set(ctx context.Context, userID string, facts map[string]any) error {
	if err := s.inner.Set(ctx, userID, facts); err != nil {
		return err
	}
	s.cache.Set(userID, core.CloneFacts(facts), cost(facts))
	return nil
}

// Delete removes the user from both the inner store and the cache.
func (s *Store) Delete(ctx context.Context, userID string) error {
	if err := s.inner.Delete(ctx, userID); err != nil {
		return err
	}
	s.cache.Del(userID)
	return nil
}

// Wait blocks until pending cache writes are applied. Tests need it; the
// cache's set path is asynchronous.
func (s *Store) Wait() {
	s.cache.Wait()
}

// cost approximates an entry's memory footprint by fact count. Exact byte
// accounting is not worth a serialization per write.
func cost(facts map[string]any) int64 {
	return int64(1 + len(facts)*64)
}
