package txlog

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/congo-pay/testbtc_custody/internal/tokens"
)

const recordColumns = `id, owner, kind, token, amount::text, virtual_amount::text, from_account, to_account, status, created_at, block_index`

// PostgresLog stores records in tx_records under a namespace, so the wallet
// and custody histories share one table.
type PostgresLog struct {
	db        *pgxpool.Pool
	namespace string
}

// NewPostgresLog constructs a Postgres-backed log for namespace.
func NewPostgresLog(db *pgxpool.Pool, namespace string) *PostgresLog {
	return &PostgresLog{db: db, namespace: namespace}
}

// Append inserts r and returns it with its id.
func (l *PostgresLog) Append(ctx context.Context, r Record) (Record, error) {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	if r.Status == "" {
		r.Status = StatusPending
	}
	var id int64
	err := l.db.QueryRow(ctx, `INSERT INTO tx_records
        (namespace, owner, kind, token, amount, virtual_amount, from_account, to_account, status, created_at, block_index)
        VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7, $8, $9, $10, $11)
        RETURNING id`,
		l.namespace, r.Owner, string(r.Kind), r.Token, amountArg(r.Amount), amountArg(r.VirtualAmount),
		r.From, r.To, string(r.Status), r.Timestamp, blockArg(r.BlockIndex)).Scan(&id)
	if err != nil {
		return Record{}, err
	}
	r.ID = uint64(id)
	return r, nil
}

// SetStatus finalises a Pending record.
func (l *PostgresLog) SetStatus(ctx context.Context, id uint64, status Status, blockIndex *uint64) (Record, error) {
	tx, err := l.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Record{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	row := tx.QueryRow(ctx, `SELECT `+recordColumns+` FROM tx_records WHERE namespace = $1 AND id = $2 FOR UPDATE`, l.namespace, int64(id))
	r, err := scanRecord(row)
	if err != nil {
		return Record{}, err
	}
	if err := checkTransition(r.Status, status); err != nil {
		return Record{}, err
	}
	if blockIndex != nil {
		idx := *blockIndex
		r.BlockIndex = &idx
	}
	r.Status = status
	if _, err := tx.Exec(ctx, `UPDATE tx_records SET status = $1, block_index = $2 WHERE id = $3`,
		string(status), blockArg(r.BlockIndex), int64(id)); err != nil {
		return Record{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Record{}, err
	}
	return r, nil
}

// Get loads a record by id.
func (l *PostgresLog) Get(ctx context.Context, id uint64) (Record, error) {
	row := l.db.QueryRow(ctx, `SELECT `+recordColumns+` FROM tx_records WHERE namespace = $1 AND id = $2`, l.namespace, int64(id))
	return scanRecord(row)
}

// Recent returns the newest records first.
func (l *PostgresLog) Recent(ctx context.Context, owner string, limit int) ([]Record, error) {
	limit = normalizeLimit(limit)
	rows, err := l.db.Query(ctx, `SELECT `+recordColumns+` FROM tx_records
        WHERE namespace = $1 AND ($2 = '' OR owner = $2)
        ORDER BY id DESC LIMIT $3`, l.namespace, owner, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Record, 0, limit)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Depositors lists owners with a confirmed deposit.
func (l *PostgresLog) Depositors(ctx context.Context) ([]string, error) {
	rows, err := l.db.Query(ctx, `SELECT DISTINCT owner FROM tx_records
        WHERE namespace = $1 AND kind = $2 AND status = $3 ORDER BY owner`,
		l.namespace, string(KindDeposit), string(StatusConfirmed))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var owner string
		if err := rows.Scan(&owner); err != nil {
			return nil, err
		}
		out = append(out, owner)
	}
	return out, rows.Err()
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		r               Record
		id              int64
		kind, status    string
		amount, virtual *string
		blockIndex      *int64
	)
	if err := row.Scan(&id, &r.Owner, &kind, &r.Token, &amount, &virtual, &r.From, &r.To, &status, &r.Timestamp, &blockIndex); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	r.ID = uint64(id)
	r.Kind = Kind(kind)
	r.Status = Status(status)
	r.Timestamp = r.Timestamp.UTC()
	var err error
	if r.Amount, err = parseAmount(amount); err != nil {
		return Record{}, err
	}
	if r.VirtualAmount, err = parseAmount(virtual); err != nil {
		return Record{}, err
	}
	if blockIndex != nil {
		idx := uint64(*blockIndex)
		r.BlockIndex = &idx
	}
	return r, nil
}

func parseAmount(raw *string) (*tokens.Amount, error) {
	if raw == nil {
		return nil, nil
	}
	a, err := tokens.Parse(*raw)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func amountArg(a *tokens.Amount) *string {
	if a == nil {
		return nil
	}
	s := a.String()
	return &s
}

func blockArg(idx *uint64) *int64 {
	if idx == nil {
		return nil
	}
	v := int64(*idx)
	return &v
}
