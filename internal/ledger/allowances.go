package ledger

import (
	"context"
	"sync"
)

// AllowanceStore persists (owner, spender) grants. Putting a zero allowance
// removes the entry.
type AllowanceStore interface {
	Get(ctx context.Context, owner, spender Account) (Allowance, bool, error)
	Put(ctx context.Context, owner, spender Account, allowance Allowance) error
}

type memoryAllowances struct {
	mu      sync.RWMutex
	entries map[string]Allowance
}

// NewMemoryAllowances builds an in-memory allowance store.
func NewMemoryAllowances() AllowanceStore {
	return &memoryAllowances{entries: make(map[string]Allowance)}
}

func allowanceKey(owner, spender Account) string {
	return owner.Key() + "|" + spender.Key()
}

func (s *memoryAllowances) Get(_ context.Context, owner, spender Account) (Allowance, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.entries[allowanceKey(owner, spender)]
	return a, ok, nil
}

func (s *memoryAllowances) Put(_ context.Context, owner, spender Account, allowance Allowance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := allowanceKey(owner, spender)
	if allowance.Allowance.IsZero() {
		delete(s.entries, key)
		return nil
	}
	s.entries[key] = allowance
	return nil
}
