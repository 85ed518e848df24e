package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	_ "github.com/lib/pq"

	"github.com/congo-pay/testbtc_custody/internal/config"
	"github.com/congo-pay/testbtc_custody/internal/logging"
	"github.com/congo-pay/testbtc_custody/internal/migrate"
)

func usage() {
	fmt.Println("Usage: migrate <up|down>")
	fmt.Println("  up   - apply all pending migrations")
	fmt.Println("  down - roll back the last migration")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  DATABASE_URL    - Postgres connection string (required)")
	fmt.Println("  MIGRATIONS_DIR  - path to migrations directory (default: migrations)")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel)
	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Error("open db", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx := context.Background()
	m := migrate.New(db, cfg.MigrationsDir, logger)

	switch os.Args[1] {
	case "up":
		applied, err := m.Up(ctx)
		if err != nil {
			logger.Error("migrate up", "error", err)
			os.Exit(1)
		}
		logger.Info("migrations applied", "count", len(applied))
	case "down":
		rolled, err := m.Down(ctx)
		if err != nil {
			logger.Error("migrate down", "error", err)
			os.Exit(1)
		}
		if !rolled {
			logger.Info("no migrations to roll back")
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up' or 'down')\n", os.Args[1])
		os.Exit(1)
	}
}
