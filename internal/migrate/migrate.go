package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/congo-pay/testbtc_custody/internal/logging"
)

const (
	upSuffix   = ".up.sql"
	downSuffix = ".down.sql"
)

// Migrator applies {version}_{name}.up.sql / .down.sql files in version order
// and records applied versions in schema_migrations.
type Migrator struct {
	db     *sql.DB
	dir    string
	logger *slog.Logger
}

// New builds a migrator over dir. logger may be nil.
func New(db *sql.DB, dir string, logger *slog.Logger) *Migrator {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Migrator{db: db, dir: dir, logger: logger}
}

// Up applies all pending migrations, each in its own transaction. It returns
// the versions it applied.
func (m *Migrator) Up(ctx context.Context) ([]string, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, fmt.Errorf("ensure migration table: %w", err)
	}
	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return nil, fmt.Errorf("read applied versions: %w", err)
	}
	files, err := ListFiles(m.dir, upSuffix)
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	var done []string
	for _, f := range Pending(files, applied) {
		version := Version(f)
		if err := m.apply(ctx, f, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, filename) VALUES ($1, $2)`, version, f)
			return err
		}); err != nil {
			return done, err
		}
		m.logger.Info("applied migration", "file", f)
		done = append(done, version)
	}
	return done, nil
}

// Down rolls back the most recently applied migration. It returns false when
// nothing was applied.
func (m *Migrator) Down(ctx context.Context) (bool, error) {
	if err := m.ensureTable(ctx); err != nil {
		return false, err
	}

	var version, filename string
	err := m.db.QueryRowContext(ctx,
		`SELECT version, filename FROM schema_migrations ORDER BY version DESC LIMIT 1`,
	).Scan(&version, &filename)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read latest migration: %w", err)
	}

	down := strings.TrimSuffix(filename, upSuffix) + downSuffix
	if err := m.apply(ctx, down, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version = $1`, version)
		return err
	}); err != nil {
		return false, err
	}
	m.logger.Info("rolled back migration", "file", down)
	return true, nil
}

func (m *Migrator) apply(ctx context.Context, file string, record func(*sql.Tx) error) error {
	content, err := os.ReadFile(filepath.Join(m.dir, file))
	if err != nil {
		return fmt.Errorf("read migration %s: %w", file, err)
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s: %w", file, err)
	}
	defer tx.Rollback() // nolint:errcheck

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("exec migration %s: %w", file, err)
	}
	if err := record(tx); err != nil {
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	return tx.Commit()
}

func (m *Migrator) ensureTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	return err
}

func (m *Migrator) appliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// ListFiles returns the names in dir ending in suffix, sorted.
func ListFiles(dir, suffix string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// Pending filters files down to versions not yet applied, keeping order.
func Pending(files []string, applied map[string]bool) []string {
	var out []string
	for _, f := range files {
		if !applied[Version(f)] {
			out = append(out, f)
		}
	}
	return out
}

// Version is the prefix before the first underscore, e.g. "000001".
func Version(filename string) string {
	version, _, _ := strings.Cut(filename, "_")
	return version
}
