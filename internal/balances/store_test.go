package balances

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/testbtc_custody/internal/tokens"
)

func newRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return NewRedisStore(client, "test")
}

func backends(t *testing.T) map[string]Store {
	return map[string]Store{
		"memory": NewMemory(),
		"redis":  newRedisStore(t),
	}
}

func TestStoreAbsentKeyIsZero(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			got, err := s.Get(context.Background(), "nobody")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if !got.IsZero() {
				t.Fatalf("expected zero, got %s", got)
			}
		})
	}
}

func TestStoreApplyIsAllOrNothing(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := s.Apply(ctx, Credit("a", tokens.New(100))); err != nil {
				t.Fatalf("seed: %v", err)
			}

			err := s.Apply(ctx, Credit("b", tokens.New(50)), Debit("a", tokens.New(101)))
			var insufficient *InsufficientBalanceError
			if !errors.As(err, &insufficient) {
				t.Fatalf("expected insufficient balance, got %v", err)
			}
			if insufficient.Key != "a" || insufficient.Balance.String() != "100" {
				t.Fatalf("unexpected error payload: %+v", insufficient)
			}

			b, _ := s.Get(ctx, "b")
			if !b.IsZero() {
				t.Fatalf("partial batch applied, b=%s", b)
			}
			a, _ := s.Get(ctx, "a")
			if a.String() != "100" {
				t.Fatalf("a changed to %s", a)
			}
		})
	}
}

func TestStorePrunesZeroBalances(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := s.Apply(ctx, Credit("a", tokens.New(7)), Credit("b", tokens.New(3))); err != nil {
				t.Fatalf("seed: %v", err)
			}
			if err := s.Apply(ctx, Debit("a", tokens.New(7)), Credit("b", tokens.New(7))); err != nil {
				t.Fatalf("move: %v", err)
			}
			snap, err := s.Snapshot(ctx)
			if err != nil {
				t.Fatalf("snapshot: %v", err)
			}
			if _, ok := snap["a"]; ok {
				t.Fatalf("expected a to be pruned, snapshot=%v", snap)
			}
			total, err := Sum(ctx, s)
			if err != nil {
				t.Fatalf("sum: %v", err)
			}
			if total.String() != "10" {
				t.Fatalf("expected total 10, got %s", total)
			}
		})
	}
}

func TestStoreConcurrentMovesConserveTotal(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := s.Apply(ctx, Credit("pool", tokens.New(10_000))); err != nil {
				t.Fatalf("seed: %v", err)
			}

			const workers = 10
			var wg sync.WaitGroup
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					to := fmt.Sprintf("user-%d", i)
					if err := s.Apply(ctx, Debit("pool", tokens.New(500)), Credit(to, tokens.New(500))); err != nil {
						t.Errorf("move %d: %v", i, err)
					}
				}(i)
			}
			wg.Wait()

			total, err := Sum(ctx, s)
			if err != nil {
				t.Fatalf("sum: %v", err)
			}
			if total.String() != "10000" {
				t.Fatalf("store not balanced after concurrency, total=%s", total)
			}
			pool, _ := s.Get(ctx, "pool")
			if pool.String() != "5000" {
				t.Fatalf("expected pool 5000, got %s", pool)
			}
		})
	}
}
