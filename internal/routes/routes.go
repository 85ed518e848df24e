package routes

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/testbtc_custody/internal/auth"
	"github.com/congo-pay/testbtc_custody/internal/config"
	"github.com/congo-pay/testbtc_custody/internal/custody"
	"github.com/congo-pay/testbtc_custody/internal/identity"
	"github.com/congo-pay/testbtc_custody/internal/ledger"
	"github.com/congo-pay/testbtc_custody/internal/logging"
	"github.com/congo-pay/testbtc_custody/internal/metrics"
	"github.com/congo-pay/testbtc_custody/internal/middleware"
	"github.com/congo-pay/testbtc_custody/internal/minter"
	"github.com/congo-pay/testbtc_custody/internal/notification"
	"github.com/congo-pay/testbtc_custody/internal/reconcile"
)

// Deps aggregates shared dependencies required to wire routes. DB and Cache
// may be nil in dev environments.
type Deps struct {
	Cfg    config.Config
	DB     *pgxpool.Pool
	Cache  *redis.Client
	Logger *slog.Logger
}

// Components are the long-lived pieces built while wiring the API that the
// server has to run or release.
type Components struct {
	Custody   *custody.Service
	Monitor   *reconcile.Monitor
	Scheduler *reconcile.Scheduler
	Notifier  notification.Notifier
	Metrics   *metrics.Metrics
}

// Close releases the notifier connection, if it holds one.
func (c *Components) Close() error {
	if closer, ok := c.Notifier.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// Setup configures middlewares and all custody API routes.
func Setup(ctx context.Context, app *fiber.App, d Deps) (*Components, error) {
	if d.Logger == nil {
		d.Logger = logging.Discard()
	}
	m := metrics.New("custody")

	tl, err := tokenLedger(d, m)
	if err != nil {
		return nil, err
	}
	virtual, err := balanceStore(d, custodyKeyspace)
	if err != nil {
		return nil, err
	}
	notifier, err := newNotifier(ctx, d.Cfg, logging.Component(d.Logger, "notification"))
	if err != nil {
		return nil, err
	}

	wallet := ledger.Principal(d.Cfg.WalletPrincipal)
	walletLog := transactionLog(d, walletNamespace)
	custodyLog := transactionLog(d, custodyNamespace)
	monitor := reconcile.NewMonitor(wallet, tl, virtual, custodyLog, notifier, logging.Component(d.Logger, "reconcile"), m)
	custodySvc := custody.NewService(custody.Config{
		Wallet:      wallet,
		Environment: d.Cfg.AppEnv,
	}, custody.Deps{
		Ledger:     tl,
		ICP:        icpLedger(d),
		Virtual:    virtual,
		WalletLog:  walletLog,
		CustodyLog: custodyLog,
		Minter:     minter.NewMock(),
		Reserves:   monitor,
		Notifier:   notifier,
		Logger:     logging.Component(d.Logger, "custody"),
		Metrics:    m,
	})

	identityRepo := identityRepository(d)
	identitySvc := identity.NewService(identityRepo)
	authSvc := auth.NewService(d.Cfg, identityRepo)

	// Middlewares
	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(middleware.Audit(logging.Component(d.Logger, "http")))

	RegisterHealthRoutes(app, d, m)

	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		reqID, _ := c.Locals(middleware.RequestIDHeader).(string)
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": reqID,
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	// Public routes
	identityHandler := identity.NewHandler(identitySvc)
	authHandler := auth.NewHandler(identitySvc, authSvc)
	RegisterIdentityRoutes(api, identityHandler)
	RegisterAuthRoutes(api, authHandler, middleware.LoginRateLimit(d.Cache, 5))

	// Protected routes
	protected := api.Group("", middleware.JWTAuth(authSvc))
	if d.Cache != nil {
		protected.Use(middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger))
	}
	protected.Get("/me", identityHandler.Me)
	protected.Post("/auth/logout", authHandler.Logout)
	RegisterCustodyRoutes(protected, custody.NewHandler(custodySvc))

	return &Components{
		Custody:   custodySvc,
		Monitor:   monitor,
		Scheduler: reconcile.NewScheduler(monitor, d.Cfg.ReconcileInterval, logging.Component(d.Logger, "reconcile")),
		Notifier:  notifier,
		Metrics:   m,
	}, nil
}
