package balances

import (
	"context"
	"fmt"

	"github.com/congo-pay/testbtc_custody/internal/tokens"
)

// InsufficientBalanceError is returned by Apply when a debit exceeds the
// balance held under Key. No change in the batch is applied.
type InsufficientBalanceError struct {
	Key     string
	Balance tokens.Amount
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for %s: %s", e.Key, e.Balance)
}

// Change is a single credit or debit against one key.
type Change struct {
	Key    string
	Amount tokens.Amount
	Debit  bool
}

// Credit builds a change that increases the balance under key.
func Credit(key string, amount tokens.Amount) Change {
	return Change{Key: key, Amount: amount}
}

// Debit builds a change that decreases the balance under key.
func Debit(key string, amount tokens.Amount) Change {
	return Change{Key: key, Amount: amount, Debit: true}
}

// Store maps keys to non-negative amounts. Absent keys read as zero and
// balances that reach zero are pruned.
type Store interface {
	Get(ctx context.Context, key string) (tokens.Amount, error)
	// Apply commits all changes or none. Changes are applied in order, so a
	// batch may debit and credit the same key.
	Apply(ctx context.Context, changes ...Change) error
	// Snapshot returns every non-zero balance.
	Snapshot(ctx context.Context) (map[string]tokens.Amount, error)
}

// Sum totals every balance in the store.
func Sum(ctx context.Context, s Store) (tokens.Amount, error) {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return tokens.Amount{}, err
	}
	total := tokens.Zero()
	for _, v := range snap {
		if total, err = total.Add(v); err != nil {
			return tokens.Amount{}, err
		}
	}
	return total, nil
}

// fold applies changes to a working set seeded by load and returns the
// resulting balances for every touched key.
func fold(changes []Change, load func(key string) (tokens.Amount, error)) (map[string]tokens.Amount, error) {
	working := make(map[string]tokens.Amount, len(changes))
	for _, ch := range changes {
		current, ok := working[ch.Key]
		if !ok {
			loaded, err := load(ch.Key)
			if err != nil {
				return nil, err
			}
			current = loaded
		}
		var (
			next tokens.Amount
			err  error
		)
		if ch.Debit {
			next, err = current.Sub(ch.Amount)
			if err != nil {
				return nil, &InsufficientBalanceError{Key: ch.Key, Balance: current}
			}
		} else {
			next, err = current.Add(ch.Amount)
			if err != nil {
				return nil, fmt.Errorf("credit %s: %w", ch.Key, err)
			}
		}
		working[ch.Key] = next
	}
	return working, nil
}
