package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/congo-pay/testbtc_custody/internal/balances"
	"github.com/congo-pay/testbtc_custody/internal/metrics"
	"github.com/congo-pay/testbtc_custody/internal/tokens"
)

// PostgresAllowances persists allowances in the allowances table.
type PostgresAllowances struct {
	db *pgxpool.Pool
}

// NewPostgresAllowances constructs a Postgres-backed allowance store.
func NewPostgresAllowances(db *pgxpool.Pool) *PostgresAllowances {
	return &PostgresAllowances{db: db}
}

// Get returns the stored grant, if any. Expiry is left to the caller.
func (s *PostgresAllowances) Get(ctx context.Context, owner, spender Account) (Allowance, bool, error) {
	const query = `SELECT amount::text, expires_at FROM allowances WHERE owner_key = $1 AND spender_key = $2`
	var (
		raw       string
		expiresAt *int64
	)
	if err := s.db.QueryRow(ctx, query, owner.Key(), spender.Key()).Scan(&raw, &expiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Allowance{}, false, nil
		}
		return Allowance{}, false, err
	}
	amount, err := tokens.Parse(raw)
	if err != nil {
		return Allowance{}, false, err
	}
	out := Allowance{Allowance: amount}
	if expiresAt != nil {
		v := uint64(*expiresAt)
		out.ExpiresAt = &v
	}
	return out, true, nil
}

// Put overwrites the grant, deleting it when the amount is zero.
func (s *PostgresAllowances) Put(ctx context.Context, owner, spender Account, allowance Allowance) error {
	return putAllowance(ctx, s.db, owner, spender, allowance)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func putAllowance(ctx context.Context, db execer, owner, spender Account, allowance Allowance) error {
	if allowance.Allowance.IsZero() {
		_, err := db.Exec(ctx, `DELETE FROM allowances WHERE owner_key = $1 AND spender_key = $2`, owner.Key(), spender.Key())
		return err
	}
	var expiresAt *int64
	if allowance.ExpiresAt != nil {
		v := int64(*allowance.ExpiresAt)
		expiresAt = &v
	}
	_, err := db.Exec(ctx, `INSERT INTO allowances (owner_key, spender_key, amount, expires_at, updated_at)
        VALUES ($1, $2, $3::numeric, $4, NOW())
        ON CONFLICT (owner_key, spender_key) DO UPDATE SET amount = EXCLUDED.amount, expires_at = EXCLUDED.expires_at, updated_at = NOW()`,
		owner.Key(), spender.Key(), allowance.Allowance.String(), expiresAt)
	return err
}

// PostgresJournal stores blocks in ledger_blocks. The full block is kept as
// JSON next to the columns needed for supply and deduplication queries.
type PostgresJournal struct {
	db *pgxpool.Pool
}

// NewPostgresJournal constructs a Postgres-backed journal.
func NewPostgresJournal(db *pgxpool.Pool) *PostgresJournal {
	return &PostgresJournal{db: db}
}

// Append inserts b at the next free index.
func (j *PostgresJournal) Append(ctx context.Context, b Block) (uint64, error) {
	tx, err := j.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	index, err := appendBlock(ctx, tx, b)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return index, nil
}

// appendBlock holds an exclusive lock on ledger_blocks until tx ends, so
// indices are handed out without gaps or reuse.
func appendBlock(ctx context.Context, tx pgx.Tx, b Block) (uint64, error) {
	if _, err := tx.Exec(ctx, `LOCK TABLE ledger_blocks IN EXCLUSIVE MODE`); err != nil {
		return 0, err
	}

	var next int64
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(block_index) + 1, 0) FROM ledger_blocks`).Scan(&next); err != nil {
		return 0, err
	}
	b.Index = uint64(next)

	payload, err := json.Marshal(b)
	if err != nil {
		return 0, fmt.Errorf("encode block: %w", err)
	}
	var txHash *string
	if b.TxHash != "" {
		txHash = &b.TxHash
	}
	if _, err := tx.Exec(ctx, `INSERT INTO ledger_blocks (block_index, operation, tx_hash, minted, burned, ledger_time, payload)
        VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6, $7)`,
		next, string(b.Operation), txHash, b.minted().String(), b.burned().String(), int64(b.Timestamp), payload); err != nil {
		return 0, err
	}
	return b.Index, nil
}

// Block loads one block by index.
func (j *PostgresJournal) Block(ctx context.Context, index uint64) (Block, error) {
	var payload []byte
	if err := j.db.QueryRow(ctx, `SELECT payload FROM ledger_blocks WHERE block_index = $1`, int64(index)).Scan(&payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Block{}, ErrBlockNotFound
		}
		return Block{}, err
	}
	var b Block
	if err := json.Unmarshal(payload, &b); err != nil {
		return Block{}, fmt.Errorf("decode block %d: %w", index, err)
	}
	return b, nil
}

// Blocks loads up to length blocks starting at start.
func (j *PostgresJournal) Blocks(ctx context.Context, start, length uint64) ([]Block, error) {
	rows, err := j.db.Query(ctx, `SELECT payload FROM ledger_blocks
        WHERE block_index >= $1 ORDER BY block_index ASC LIMIT $2`, int64(start), int64(length))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Block, 0, length)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var b Block
		if err := json.Unmarshal(payload, &b); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// Length returns the number of blocks written.
func (j *PostgresJournal) Length(ctx context.Context) (uint64, error) {
	var n int64
	if err := j.db.QueryRow(ctx, `SELECT COUNT(*) FROM ledger_blocks`).Scan(&n); err != nil {
		return 0, err
	}
	return uint64(n), nil
}

// Supply sums minted minus burned over every block.
func (j *PostgresJournal) Supply(ctx context.Context) (tokens.Amount, error) {
	var raw string
	if err := j.db.QueryRow(ctx, `SELECT (COALESCE(SUM(minted), 0) - COALESCE(SUM(burned), 0))::text FROM ledger_blocks`).Scan(&raw); err != nil {
		return tokens.Amount{}, err
	}
	return tokens.Parse(raw)
}

// FindDuplicate returns the earliest block carrying txHash inside the window.
func (j *PostgresJournal) FindDuplicate(ctx context.Context, txHash string, since uint64) (uint64, bool, error) {
	var index int64
	err := j.db.QueryRow(ctx, `SELECT block_index FROM ledger_blocks
        WHERE tx_hash = $1 AND ledger_time >= $2 ORDER BY block_index ASC LIMIT 1`, txHash, int64(since)).Scan(&index)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return uint64(index), true, nil
}

// postgresCommitter writes the balance changes, the allowance and the block of
// one ledger call in a single transaction.
type postgresCommitter struct {
	db       *pgxpool.Pool
	balances *balances.PostgresStore
}

func (c *postgresCommitter) commit(ctx context.Context, changes []balances.Change, grant *allowanceWrite, b Block) (uint64, error) {
	tx, err := c.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if err := c.balances.ApplyTx(ctx, tx, changes...); err != nil {
		return 0, fmt.Errorf("apply balances: %w", err)
	}
	if grant != nil {
		if err := putAllowance(ctx, tx, grant.owner, grant.spender, grant.next); err != nil {
			return 0, fmt.Errorf("store allowance: %w", err)
		}
	}
	index, err := appendBlock(ctx, tx, b)
	if err != nil {
		return 0, fmt.Errorf("append block: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit block: %w", err)
	}
	return index, nil
}

// NewPostgres builds a ledger whose balances, allowances and blocks all live
// in Postgres. Each call's writes commit in one transaction.
func NewPostgres(cfg Config, db *pgxpool.Pool, keyspace string, logger *slog.Logger, m *metrics.Metrics) *Ledger {
	store := balances.NewPostgresStore(db, keyspace)
	l := New(cfg, store, NewPostgresAllowances(db), NewPostgresJournal(db), logger, m)
	l.atomic = &postgresCommitter{db: db, balances: store}
	return l
}
