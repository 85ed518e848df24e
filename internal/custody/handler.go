package custody

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/testbtc_custody/internal/ledger"
	"github.com/congo-pay/testbtc_custody/internal/minter"
	"github.com/congo-pay/testbtc_custody/internal/tokens"
	"github.com/congo-pay/testbtc_custody/internal/txlog"
)

var validate = validator.New()

const faucetDisabledMessage = "Faucet only available in local development"

// Handler exposes wallet and custody endpoints.
type Handler struct {
	service *Service
}

// NewHandler constructs a custody handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type amountRequest struct {
	Amount string `json:"amount" validate:"required,numeric"`
}

type transferRequest struct {
	To     string `json:"to" validate:"required"`
	Amount string `json:"amount" validate:"required,numeric"`
}

type btcWithdrawRequest struct {
	Address string `json:"address" validate:"required,min=26,max=90"`
	Amount  string `json:"amount" validate:"required,numeric"`
}

// Balance handles get_balance.
func (h *Handler) Balance(c *fiber.Ctx) error {
	caller, err := callerOf(c)
	if err != nil {
		return err
	}
	balance, err := h.service.Balance(c.UserContext(), caller)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"balance": balance})
}

// Transfer handles a personal ledger transfer.
func (h *Handler) Transfer(c *fiber.Ctx) error {
	caller, err := callerOf(c)
	if err != nil {
		return err
	}
	var req transferRequest
	amount, err := parseBody(c, &req, func() string { return req.Amount })
	if err != nil {
		return err
	}
	index, err := h.service.Transfer(c.UserContext(), caller, ledger.Principal(req.To), amount)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"block_index": index})
}

// ICPBalance returns the caller's ICP balance.
func (h *Handler) ICPBalance(c *fiber.Ctx) error {
	caller, err := callerOf(c)
	if err != nil {
		return err
	}
	balance, err := h.service.ICPBalance(c.UserContext(), caller)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"balance": balance})
}

// TransferICP handles an ICP transfer between principals.
func (h *Handler) TransferICP(c *fiber.Ctx) error {
	caller, err := callerOf(c)
	if err != nil {
		return err
	}
	var req transferRequest
	amount, err := parseBody(c, &req, func() string { return req.Amount })
	if err != nil {
		return err
	}
	index, err := h.service.TransferICP(c.UserContext(), caller, ledger.Principal(req.To), amount)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"block_index": index})
}

// ICPAddress returns the caller's ICP account.
func (h *Handler) ICPAddress(c *fiber.Ctx) error {
	caller, err := callerOf(c)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"address": h.service.ICPAddress(caller)})
}

// Deposit handles deposit_to_custody.
func (h *Handler) Deposit(c *fiber.Ctx) error {
	caller, err := callerOf(c)
	if err != nil {
		return err
	}
	var req amountRequest
	amount, err := parseBody(c, &req, func() string { return req.Amount })
	if err != nil {
		return err
	}
	receipt, err := h.service.DepositToCustody(c.UserContext(), caller, amount)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(http.StatusOK).JSON(receipt)
}

// Withdraw handles withdraw_funds.
func (h *Handler) Withdraw(c *fiber.Ctx) error {
	caller, err := callerOf(c)
	if err != nil {
		return err
	}
	var req amountRequest
	amount, err := parseBody(c, &req, func() string { return req.Amount })
	if err != nil {
		return err
	}
	index, err := h.service.WithdrawFunds(c.UserContext(), caller, amount)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"block_index": index})
}

// VirtualTransfer handles virtual_transfer.
func (h *Handler) VirtualTransfer(c *fiber.Ctx) error {
	caller, err := callerOf(c)
	if err != nil {
		return err
	}
	var req transferRequest
	amount, err := parseBody(c, &req, func() string { return req.Amount })
	if err != nil {
		return err
	}
	id, err := h.service.VirtualTransfer(c.UserContext(), caller, ledger.Principal(req.To), amount)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{"transaction_id": id})
}

// Status handles wallet_status.
func (h *Handler) Status(c *fiber.Ctx) error {
	caller, err := callerOf(c)
	if err != nil {
		return err
	}
	return c.JSON(h.service.WalletStatus(c.UserContext(), caller))
}

// Reserve handles reserve_status.
func (h *Handler) Reserve(c *fiber.Ctx) error {
	status, err := h.service.ReserveStatus(c.UserContext())
	if err != nil {
		return fiber.NewError(http.StatusServiceUnavailable, err.Error())
	}
	return c.JSON(status)
}

// History returns the caller's personal transactions.
func (h *Handler) History(c *fiber.Ctx) error {
	caller, err := callerOf(c)
	if err != nil {
		return err
	}
	records, err := h.service.History(c.UserContext(), caller)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"transactions": records})
}

// CustodialHistory returns the caller's custody transactions.
func (h *Handler) CustodialHistory(c *fiber.Ctx) error {
	caller, err := callerOf(c)
	if err != nil {
		return err
	}
	records, err := h.service.CustodialHistory(c.UserContext(), caller)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"transactions": records})
}

// Transaction returns a single record by id.
func (h *Handler) Transaction(c *fiber.Ctx) error {
	caller, err := callerOf(c)
	if err != nil {
		return err
	}
	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid transaction id")
	}
	record, err := h.service.Transaction(c.UserContext(), caller, id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(record)
}

// Faucet mints test tokens to the caller.
func (h *Handler) Faucet(c *fiber.Ctx) error {
	caller, err := callerOf(c)
	if err != nil {
		return err
	}
	msg, err := h.service.Faucet(c.UserContext(), caller)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"message": msg})
}

// DepositAddress returns the caller's TestBTC deposit address.
func (h *Handler) DepositAddress(c *fiber.Ctx) error {
	caller, err := callerOf(c)
	if err != nil {
		return err
	}
	address, err := h.service.DepositAddress(c.UserContext(), caller)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"address": address})
}

// WithdrawBTC hands a withdrawal to the minter.
func (h *Handler) WithdrawBTC(c *fiber.Ctx) error {
	caller, err := callerOf(c)
	if err != nil {
		return err
	}
	var req btcWithdrawRequest
	amount, err := parseBody(c, &req, func() string { return req.Amount })
	if err != nil {
		return err
	}
	index, err := h.service.WithdrawTestBTC(c.UserContext(), caller, req.Address, amount)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(http.StatusAccepted).JSON(fiber.Map{
		"block_index": index,
		"message":     fmt.Sprintf("Withdrawal initiated. Block index: %d", index),
	})
}

// WithdrawalStatus reports a withdrawal's progress on the minter.
func (h *Handler) WithdrawalStatus(c *fiber.Ctx) error {
	caller, err := callerOf(c)
	if err != nil {
		return err
	}
	index, err := strconv.ParseUint(c.Params("blockIndex"), 10, 64)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid block index")
	}
	status, err := h.service.WithdrawalStatus(c.UserContext(), caller, index)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(status)
}

// WithdrawalFee returns the minter fee estimate.
func (h *Handler) WithdrawalFee(c *fiber.Ctx) error {
	fee, err := h.service.WithdrawalFee(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fee)
}

func callerOf(c *fiber.Ctx) (ledger.Principal, error) {
	p, _ := c.Locals(ledger.PrincipalLocal).(string)
	if strings.TrimSpace(p) == "" {
		return "", fiber.NewError(http.StatusUnauthorized, "caller principal required")
	}
	return ledger.Principal(p), nil
}

// parseBody decodes and validates req, then parses the amount it carries.
func parseBody(c *fiber.Ctx, req any, amount func() string) (tokens.Amount, error) {
	if err := c.BodyParser(req); err != nil {
		return tokens.Amount{}, fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if err := validate.Struct(req); err != nil {
		return tokens.Amount{}, fiber.NewError(http.StatusBadRequest, err.Error())
	}
	parsed, err := tokens.Parse(amount())
	if err != nil {
		return tokens.Amount{}, fiber.NewError(http.StatusBadRequest, "invalid amount")
	}
	return parsed, nil
}

// respondError writes structured rejections as {"Err": {...}} with 422 and
// maps the remaining errors to plain HTTP errors.
func respondError(c *fiber.Ctx, err error) error {
	var (
		ledgerErr *ledger.Error
		minterErr *minter.Error
	)
	switch {
	case errors.As(err, &ledgerErr):
		return c.Status(http.StatusUnprocessableEntity).JSON(fiber.Map{"Err": ledgerErr})
	case errors.As(err, &minterErr):
		return c.Status(http.StatusUnprocessableEntity).JSON(fiber.Map{"Err": minterErr})
	case errors.Is(err, ErrSelfTransfer),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrInvalidRecipient),
		errors.Is(err, ledger.ErrInvalidArgument):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrFaucetDisabled):
		return fiber.NewError(http.StatusForbidden, faucetDisabledMessage)
	case errors.Is(err, ErrICPUnavailable):
		return fiber.NewError(http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, txlog.ErrNotFound):
		return fiber.NewError(http.StatusNotFound, err.Error())
	default:
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
}
