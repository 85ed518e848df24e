package routes

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/congo-pay/testbtc_custody/internal/ledger"
	"github.com/congo-pay/testbtc_custody/internal/logging"
	"github.com/congo-pay/testbtc_custody/internal/metrics"
	"github.com/congo-pay/testbtc_custody/internal/middleware"
)

// SetupLedger wires the standalone token ledger service. Callers are other
// services that authenticate with the shared service token and name the
// principal they act for.
func SetupLedger(app *fiber.App, d Deps) (*ledger.Ledger, error) {
	if d.Logger == nil {
		d.Logger = logging.Discard()
	}
	m := metrics.New("ledger")
	tl, err := embeddedLedger(Deps{Cfg: d.Cfg, DB: d.DB, Cache: d.Cache, Logger: logging.Component(d.Logger, "ledger")}, m)
	if err != nil {
		return nil, err
	}

	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(middleware.Audit(logging.Component(d.Logger, "http")))
	RegisterHealthRoutes(app, d, m)

	RegisterLedgerRoutes(app.Group("", middleware.ServiceAuth(d.Cfg.LedgerServiceToken)), ledger.NewHandler(tl))
	return tl, nil
}

// RegisterLedgerRoutes wires the ICRC-1/ICRC-2 endpoints.
func RegisterLedgerRoutes(r fiber.Router, h *ledger.Handler) {
	icrc1 := r.Group("/icrc1")
	icrc1.Get("/metadata", h.Metadata)
	icrc1.Post("/balance_of", h.BalanceOf)
	icrc1.Post("/transfer", h.Transfer)

	icrc2 := r.Group("/icrc2")
	icrc2.Post("/approve", h.Approve)
	icrc2.Post("/allowance", h.Allowance)
	icrc2.Post("/transfer_from", h.TransferFrom)

	r.Post("/mint", h.Mint)
	r.Get("/blocks", h.Blocks)
	r.Get("/blocks/:index", h.Block)
}
