package balances

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/testbtc_custody/internal/tokens"
)

const (
	redisPrefix     = "balances:v1:"
	redisMaxRetries = 16
)

// ErrContention is returned when an optimistic Redis transaction keeps losing
// the race for the keyspace hash.
var ErrContention = errors.New("balance store contention")

// RedisStore keeps one Redis hash per keyspace. Batches are applied with
// WATCH/MULTI so concurrent writers never interleave inside a batch.
type RedisStore struct {
	client *redis.Client
	hash   string
}

// NewRedisStore builds a store over the given keyspace.
func NewRedisStore(client *redis.Client, keyspace string) *RedisStore {
	return &RedisStore{client: client, hash: redisPrefix + keyspace}
}

// Get reads a single balance.
func (s *RedisStore) Get(ctx context.Context, key string) (tokens.Amount, error) {
	raw, err := s.client.HGet(ctx, s.hash, key).Result()
	if errors.Is(err, redis.Nil) {
		return tokens.Zero(), nil
	}
	if err != nil {
		return tokens.Amount{}, err
	}
	return tokens.Parse(raw)
}

// Apply commits the batch atomically, retrying when the hash changed under us.
func (s *RedisStore) Apply(ctx context.Context, changes ...Change) error {
	if len(changes) == 0 {
		return nil
	}
	keys := distinctKeys(changes)

	txf := func(tx *redis.Tx) error {
		vals, err := tx.HMGet(ctx, s.hash, keys...).Result()
		if err != nil {
			return err
		}
		current := make(map[string]tokens.Amount, len(keys))
		for i, key := range keys {
			raw, ok := vals[i].(string)
			if !ok {
				continue
			}
			amount, err := tokens.Parse(raw)
			if err != nil {
				return fmt.Errorf("corrupt balance for %s: %w", key, err)
			}
			current[key] = amount
		}

		next, err := fold(changes, func(key string) (tokens.Amount, error) {
			return current[key], nil
		})
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for key, amount := range next {
				if amount.IsZero() {
					pipe.HDel(ctx, s.hash, key)
					continue
				}
				pipe.HSet(ctx, s.hash, key, amount.String())
			}
			return nil
		})
		return err
	}

	for i := 0; i < redisMaxRetries; i++ {
		err := s.client.Watch(ctx, txf, s.hash)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrContention
}

// Snapshot returns every balance in the keyspace.
func (s *RedisStore) Snapshot(ctx context.Context) (map[string]tokens.Amount, error) {
	raw, err := s.client.HGetAll(ctx, s.hash).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]tokens.Amount, len(raw))
	for key, val := range raw {
		amount, err := tokens.Parse(val)
		if err != nil {
			return nil, fmt.Errorf("corrupt balance for %s: %w", key, err)
		}
		out[key] = amount
	}
	return out, nil
}

func distinctKeys(changes []Change) []string {
	seen := make(map[string]struct{}, len(changes))
	keys := make([]string, 0, len(changes))
	for _, ch := range changes {
		if _, ok := seen[ch.Key]; ok {
			continue
		}
		seen[ch.Key] = struct{}{}
		keys = append(keys, ch.Key)
	}
	return keys
}
