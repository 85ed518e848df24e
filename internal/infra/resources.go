package infra

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/testbtc_custody/internal/config"
)

// Resources are the shared connections of a process. DB and Cache are nil
// when their URL is unset, which config only allows in dev environments.
type Resources struct {
	DB    *pgxpool.Pool
	Cache *redis.Client
}

// Open connects to every configured backing service.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Resources, error) {
	r := &Resources{}
	if cfg.DatabaseURL != "" {
		db, err := NewPostgresPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		r.DB = db
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory stores", "env", cfg.AppEnv)
	}

	if cfg.RedisURL != "" {
		cache, err := NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			r.Close(logger)
			return nil, err
		}
		r.Cache = cache
	} else {
		logger.Warn("REDIS_URL not set, idempotency and login rate limiting disabled", "env", cfg.AppEnv)
	}

	if !cfg.IsDev() && (r.DB == nil || r.Cache == nil) {
		r.Close(logger)
		return nil, fmt.Errorf("postgres and redis are required when APP_ENV=%s", cfg.AppEnv)
	}
	return r, nil
}

// Close releases every open connection.
func (r *Resources) Close(logger *slog.Logger) {
	if r.Cache != nil {
		if err := r.Cache.Close(); err != nil {
			logger.Warn("close redis", "error", err)
		}
	}
	if r.DB != nil {
		r.DB.Close()
	}
}
