package balances

import (
	"context"
	"errors"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/congo-pay/testbtc_custody/internal/tokens"
)

// PostgresStore persists balances in the balances table, one keyspace per
// owning component.
type PostgresStore struct {
	db       *pgxpool.Pool
	keyspace string
}

// NewPostgresStore constructs a Postgres-backed balance store.
func NewPostgresStore(db *pgxpool.Pool, keyspace string) *PostgresStore {
	return &PostgresStore{db: db, keyspace: keyspace}
}

// Get returns the balance for key, zero when absent.
func (s *PostgresStore) Get(ctx context.Context, key string) (tokens.Amount, error) {
	const query = `SELECT amount::text FROM balances WHERE keyspace = $1 AND account_key = $2`
	var raw string
	if err := s.db.QueryRow(ctx, query, s.keyspace, key).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return tokens.Zero(), nil
		}
		return tokens.Amount{}, err
	}
	return tokens.Parse(raw)
}

// Apply locks the keyspace for the duration of one transaction and writes the
// folded balances.
func (s *PostgresStore) Apply(ctx context.Context, changes ...Change) error {
	if len(changes) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if err := s.ApplyTx(ctx, tx, changes...); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ApplyTx writes changes inside a transaction owned by the caller, so they
// commit or roll back together with the caller's other writes. The keyspace
// lock is held until tx ends.
func (s *PostgresStore) ApplyTx(ctx context.Context, tx pgx.Tx, changes ...Change) error {
	if len(changes) == 0 {
		return nil
	}
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, s.keyspace); err != nil {
		return err
	}

	keys := distinctKeys(changes)
	sort.Strings(keys)
	current := make(map[string]tokens.Amount, len(keys))
	for _, key := range keys {
		amount, err := balanceForKey(ctx, tx, s.keyspace, key)
		if err != nil {
			return err
		}
		current[key] = amount
	}

	next, err := fold(changes, func(key string) (tokens.Amount, error) {
		return current[key], nil
	})
	if err != nil {
		return err
	}

	for key, amount := range next {
		if amount.IsZero() {
			if _, err := tx.Exec(ctx, `DELETE FROM balances WHERE keyspace = $1 AND account_key = $2`, s.keyspace, key); err != nil {
				return err
			}
			continue
		}
		if _, err := tx.Exec(ctx, `INSERT INTO balances (keyspace, account_key, amount, updated_at)
        VALUES ($1, $2, $3::numeric, NOW())
        ON CONFLICT (keyspace, account_key) DO UPDATE SET amount = EXCLUDED.amount, updated_at = NOW()`,
			s.keyspace, key, amount.String()); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot returns every non-zero balance in the keyspace.
func (s *PostgresStore) Snapshot(ctx context.Context) (map[string]tokens.Amount, error) {
	rows, err := s.db.Query(ctx, `SELECT account_key, amount::text FROM balances WHERE keyspace = $1`, s.keyspace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]tokens.Amount)
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, err
		}
		amount, err := tokens.Parse(raw)
		if err != nil {
			return nil, err
		}
		out[key] = amount
	}
	return out, rows.Err()
}

func balanceForKey(ctx context.Context, tx pgx.Tx, keyspace, key string) (tokens.Amount, error) {
	const query = `SELECT amount::text FROM balances WHERE keyspace = $1 AND account_key = $2 FOR UPDATE`
	var raw string
	if err := tx.QueryRow(ctx, query, keyspace, key).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return tokens.Zero(), nil
		}
		return tokens.Amount{}, err
	}
	return tokens.Parse(raw)
}
