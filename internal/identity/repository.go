package identity

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

// Repository persists users.
type Repository interface {
	Create(ctx context.Context, user User) error
	FindByHandle(ctx context.Context, handle string) (User, error)
	FindByID(ctx context.Context, id string) (User, error)
	UpdateDevice(ctx context.Context, id, deviceID string) error
	RecordLogin(ctx context.Context, id string, at time.Time) error
	UpdateTokenVersion(ctx context.Context, id string, version int) error
}

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a Postgres-backed identity repository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create inserts a new user.
func (r *PostgresRepository) Create(ctx context.Context, user User) error {
	userID, err := uuid.Parse(user.ID)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `INSERT INTO users (id, handle, pin_hash, device_id, token_version, created_at)
        VALUES ($1, $2, $3, $4, $5, $6)`, userID, user.Handle, user.PINHash, user.DeviceID, user.TokenVersion, user.CreatedAt.UTC())
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrUserExists
	}
	return err
}

// FindByHandle fetches a user by login handle.
func (r *PostgresRepository) FindByHandle(ctx context.Context, handle string) (User, error) {
	return r.findOne(ctx, `WHERE handle = $1`, handle)
}

// FindByID fetches a user by principal.
func (r *PostgresRepository) FindByID(ctx context.Context, id string) (User, error) {
	userID, err := uuid.Parse(id)
	if err != nil {
		return User{}, ErrUserNotFound
	}
	return r.findOne(ctx, `WHERE id = $1`, userID)
}

func (r *PostgresRepository) findOne(ctx context.Context, where string, arg any) (User, error) {
	row := r.db.QueryRow(ctx, `SELECT id, handle, pin_hash, device_id, token_version, created_at, last_login FROM users `+where, arg)
	var (
		id        uuid.UUID
		createdAt time.Time
		lastLogin *time.Time
		user      User
	)
	if err := row.Scan(&id, &user.Handle, &user.PINHash, &user.DeviceID, &user.TokenVersion, &createdAt, &lastLogin); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, err
	}
	user.ID = id.String()
	user.CreatedAt = createdAt.UTC()
	if lastLogin != nil {
		at := lastLogin.UTC()
		user.LastLogin = &at
	}
	return user, nil
}

// UpdateDevice stores the user's bound device identifier.
func (r *PostgresRepository) UpdateDevice(ctx context.Context, id, deviceID string) error {
	return r.update(ctx, `UPDATE users SET device_id = $1 WHERE id = $2`, id, deviceID)
}

// RecordLogin stores the time of the last successful login.
func (r *PostgresRepository) RecordLogin(ctx context.Context, id string, at time.Time) error {
	return r.update(ctx, `UPDATE users SET last_login = $1 WHERE id = $2`, id, at.UTC())
}

// UpdateTokenVersion invalidates tokens issued under older versions.
func (r *PostgresRepository) UpdateTokenVersion(ctx context.Context, id string, version int) error {
	return r.update(ctx, `UPDATE users SET token_version = $1 WHERE id = $2`, id, version)
}

func (r *PostgresRepository) update(ctx context.Context, query, id string, value any) error {
	userID, err := uuid.Parse(id)
	if err != nil {
		return ErrUserNotFound
	}
	cmd, err := r.db.Exec(ctx, query, value, userID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}
