package ledger

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
)

const (
	// PrincipalHeader carries the caller identity between services.
	PrincipalHeader = "X-Principal"
	// PrincipalLocal is the fiber.Ctx local holding the authenticated caller.
	PrincipalLocal = "principal"
)

// Handler exposes the ledger over HTTP for the standalone ledger service.
type Handler struct {
	ledger *Ledger
}

// NewHandler constructs a ledger HTTP handler.
func NewHandler(ledger *Ledger) *Handler {
	return &Handler{ledger: ledger}
}

type metadataResponse struct {
	Name               string          `json:"name"`
	Symbol             string          `json:"symbol"`
	Decimals           uint8           `json:"decimals"`
	Fee                string          `json:"fee"`
	TotalSupply        string          `json:"total_supply"`
	MintingAccount     *Account        `json:"minting_account,omitempty"`
	SupportedStandards []Standard      `json:"supported_standards"`
	Metadata           []MetadataEntry `json:"metadata"`
}

type resultResponse struct {
	Ok  *uint64 `json:"Ok,omitempty"`
	Err *Error  `json:"Err,omitempty"`
}

// Metadata returns the token description and current supply.
func (h *Handler) Metadata(c *fiber.Ctx) error {
	supply, err := h.ledger.TotalSupply(c.UserContext())
	if err != nil {
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(metadataResponse{
		Name:               h.ledger.Name(),
		Symbol:             h.ledger.Symbol(),
		Decimals:           h.ledger.Decimals(),
		Fee:                h.ledger.cfg.Fee.String(),
		TotalSupply:        supply.String(),
		MintingAccount:     h.ledger.MintingAccount(),
		SupportedStandards: SupportedStandards(),
		Metadata:           h.ledger.Metadata(),
	})
}

// BalanceOf returns the balance of the posted account.
func (h *Handler) BalanceOf(c *fiber.Ctx) error {
	var account Account
	if err := c.BodyParser(&account); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	balance, err := h.ledger.BalanceOf(c.UserContext(), account)
	if errors.Is(err, ErrInvalidArgument) {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if err != nil {
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(fiber.Map{"balance": balance})
}

// Transfer handles icrc1_transfer.
func (h *Handler) Transfer(c *fiber.Ctx) error {
	var args TransferArgs
	if err := c.BodyParser(&args); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	caller, err := callerOf(c)
	if err != nil {
		return err
	}
	index, err := h.ledger.Transfer(c.UserContext(), caller, args)
	return respond(c, index, err)
}

// Approve handles icrc2_approve.
func (h *Handler) Approve(c *fiber.Ctx) error {
	var args ApproveArgs
	if err := c.BodyParser(&args); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	caller, err := callerOf(c)
	if err != nil {
		return err
	}
	index, err := h.ledger.Approve(c.UserContext(), caller, args)
	return respond(c, index, err)
}

// Allowance handles icrc2_allowance.
func (h *Handler) Allowance(c *fiber.Ctx) error {
	var args AllowanceArgs
	if err := c.BodyParser(&args); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	allowance, err := h.ledger.Allowance(c.UserContext(), args)
	if errors.Is(err, ErrInvalidArgument) {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if err != nil {
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(allowance)
}

// TransferFrom handles icrc2_transfer_from.
func (h *Handler) TransferFrom(c *fiber.Ctx) error {
	var args TransferFromArgs
	if err := c.BodyParser(&args); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	caller, err := callerOf(c)
	if err != nil {
		return err
	}
	index, err := h.ledger.TransferFrom(c.UserContext(), caller, args)
	return respond(c, index, err)
}

// Mint credits tokens when the caller is an authorised minter.
func (h *Handler) Mint(c *fiber.Ctx) error {
	var args MintArgs
	if err := c.BodyParser(&args); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	caller, err := callerOf(c)
	if err != nil {
		return err
	}
	index, err := h.ledger.Mint(c.UserContext(), caller, args)
	return respond(c, index, err)
}

// Block returns one block by index.
func (h *Handler) Block(c *fiber.Ctx) error {
	index, err := strconv.ParseUint(c.Params("index"), 10, 64)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid block index")
	}
	block, err := h.ledger.Block(c.UserContext(), index)
	if err != nil {
		if errors.Is(err, ErrBlockNotFound) {
			return fiber.NewError(http.StatusNotFound, "block not found")
		}
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(block)
}

// Blocks returns a page of blocks selected by the start and length query
// parameters.
func (h *Handler) Blocks(c *fiber.Ctx) error {
	start, err := strconv.ParseUint(c.Query("start", "0"), 10, 64)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid start")
	}
	length, err := strconv.ParseUint(c.Query("length", "100"), 10, 64)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid length")
	}
	blocks, err := h.ledger.Blocks(c.UserContext(), start, length)
	if err != nil {
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(fiber.Map{"blocks": blocks})
}

func callerOf(c *fiber.Ctx) (Principal, error) {
	p, _ := c.Locals(PrincipalLocal).(string)
	if strings.TrimSpace(p) == "" {
		return "", fiber.NewError(http.StatusUnauthorized, "caller principal required")
	}
	return Principal(p), nil
}

// respond writes {"Ok": index} or {"Err": {...}}. Token-standard rejections
// use 422 so clients can tell them apart from transport problems.
func respond(c *fiber.Ctx, index uint64, err error) error {
	if err == nil {
		return c.Status(http.StatusOK).JSON(resultResponse{Ok: &index})
	}
	var ledgerErr *Error
	switch {
	case errors.As(err, &ledgerErr):
		return c.Status(http.StatusUnprocessableEntity).JSON(resultResponse{Err: ledgerErr})
	case errors.Is(err, ErrInvalidArgument):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	default:
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
}
