package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/testbtc_custody/internal/config"
	"github.com/congo-pay/testbtc_custody/internal/routes"
)

// Server wraps a Fiber application and the background work that lives as
// long as it does.
type Server struct {
	app    *fiber.App
	addr   string
	logger *slog.Logger
	parts  *routes.Components
}

func newApp(cfg config.Config) *fiber.App {
	return fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	})
}

// New instantiates the custody API server and delegates route wiring to
// routes.Setup.
func New(ctx context.Context, cfg config.Config, db *pgxpool.Pool, cache *redis.Client, logger *slog.Logger) (*Server, error) {
	app := newApp(cfg)
	parts, err := routes.Setup(ctx, app, routes.Deps{Cfg: cfg, DB: db, Cache: cache, Logger: logger})
	if err != nil {
		return nil, err
	}
	return &Server{app: app, addr: cfg.Address(), logger: logger, parts: parts}, nil
}

// NewLedger instantiates the standalone token ledger service.
func NewLedger(cfg config.Config, db *pgxpool.Pool, cache *redis.Client, logger *slog.Logger) (*Server, error) {
	app := newApp(cfg)
	if _, err := routes.SetupLedger(app, routes.Deps{Cfg: cfg, DB: db, Cache: cache, Logger: logger}); err != nil {
		return nil, err
	}
	return &Server{app: app, addr: cfg.LedgerAddress(), logger: logger}, nil
}

// App exposes the Fiber application, mainly for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// StartBackground launches periodic reserve reconciliation for the custody
// API. It is a no-op for the ledger service.
func (s *Server) StartBackground() error {
	if s.parts == nil || s.parts.Scheduler == nil {
		return nil
	}
	return s.parts.Scheduler.Start()
}

// Listen starts the HTTP server.
func (s *Server) Listen() error {
	return s.app.Listen(s.addr)
}

// Shutdown gracefully stops the HTTP server and background work.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.app.ShutdownWithContext(ctx)
	if s.parts != nil {
		if s.parts.Scheduler != nil {
			s.parts.Scheduler.Stop(ctx)
		}
		if cerr := s.parts.Close(); cerr != nil {
			s.logger.Warn("close notifier", "error", cerr)
		}
	}
	return err
}
