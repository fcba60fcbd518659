// Package memstore is an in-memory fact store for tests and ephemeral runs.
package memstore

import (
	"context"
	"sync"

	"github.com/becomeliminal/cofounder-go/core"
)

// Store holds fact maps in memory, safe for concurrent use. Facts are deep
// copied on both reads and writes so callers never share state with the store.
type Store struct {
	mu    sync.RWMutex
	facts map[string]map[string]any
}

// New creates an empty store.
func New() *Store {
	return &Store{facts: map[string]map[string]any{}}
}

func (s *Store) Get(ctx context.Context, userID string) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return core.CloneFacts(s.facts[userID]), nil
}

func (s *Store) Set(ctx context.Context, userID string, facts map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.facts[userID] = core.CloneFacts(facts)
	return nil
}

func (s *Store) Delete(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.facts, userID)
	return nil
}

// Len reports the number of users with stored facts.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.facts)
}
