package balances

import (
	"context"
	"sync"

	"github.com/congo-pay/testbtc_custody/internal/tokens"
)

type memoryStore struct {
	mu       sync.RWMutex
	balances map[string]tokens.Amount
}

// NewMemory creates a concurrency-safe in-memory store useful for tests and
// local development.
func NewMemory() Store {
	return &memoryStore{balances: make(map[string]tokens.Amount)}
}

func (s *memoryStore) Get(_ context.Context, key string) (tokens.Amount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances[key], nil
}

func (s *memoryStore) Apply(_ context.Context, changes ...Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := fold(changes, func(key string) (tokens.Amount, error) {
		return s.balances[key], nil
	})
	if err != nil {
		return err
	}
	for key, amount := range next {
		if amount.IsZero() {
			delete(s.balances, key)
			continue
		}
		s.balances[key] = amount
	}
	return nil
}

func (s *memoryStore) Snapshot(_ context.Context) (map[string]tokens.Amount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]tokens.Amount, len(s.balances))
	for k, v := range s.balances {
		out[k] = v
	}
	return out, nil
}
