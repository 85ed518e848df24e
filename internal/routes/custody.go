package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/testbtc_custody/internal/custody"
)

// RegisterCustodyRoutes wires wallet, custody, bridge and ICP endpoints.
func RegisterCustodyRoutes(r fiber.Router, h *custody.Handler) {
	r.Get("/balance", h.Balance)
	r.Post("/transfer", h.Transfer)
	r.Post("/faucet", h.Faucet)
	r.Get("/transactions", h.History)
	r.Get("/transactions/:id", h.Transaction)

	c := r.Group("/custody")
	c.Post("/deposit", h.Deposit)
	c.Post("/withdraw", h.Withdraw)
	c.Post("/transfer", h.VirtualTransfer)
	c.Get("/status", h.Status)
	c.Get("/reserve", h.Reserve)
	c.Get("/transactions", h.CustodialHistory)

	btc := r.Group("/btc")
	btc.Get("/deposit-address", h.DepositAddress)
	btc.Post("/withdraw", h.WithdrawBTC)
	btc.Get("/withdrawals/:blockIndex", h.WithdrawalStatus)
	btc.Get("/withdrawal-fee", h.WithdrawalFee)

	icp := r.Group("/icp")
	icp.Get("/balance", h.ICPBalance)
	icp.Post("/transfer", h.TransferICP)
	icp.Get("/address", h.ICPAddress)
}
