package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/testbtc_custody/internal/tokens"
)

func newLedgerApp(t *testing.T) (*fiber.App, *Ledger) {
	t.Helper()
	l, _ := newTestLedger(t)
	h := NewHandler(l)
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		if p := c.Get(PrincipalHeader); p != "" {
			c.Locals(PrincipalLocal, p)
		}
		return c.Next()
	})
	app.Get("/icrc1/metadata", h.Metadata)
	app.Post("/icrc1/balance_of", h.BalanceOf)
	app.Post("/icrc1/transfer", h.Transfer)
	app.Post("/icrc2/approve", h.Approve)
	app.Post("/icrc2/allowance", h.Allowance)
	app.Post("/icrc2/transfer_from", h.TransferFrom)
	app.Post("/mint", h.Mint)
	app.Get("/blocks", h.Blocks)
	app.Get("/blocks/:index", h.Block)
	return app, l
}

func postJSON(t *testing.T, app *fiber.App, path string, caller Principal, body string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(fiber.MethodPost, path, strings.NewReader(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	if caller != "" {
		req.Header.Set(PrincipalHeader, string(caller))
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, string(payload)
}

func TestHandlerMintAndTransfer(t *testing.T) {
	app, _ := newLedgerApp(t)

	status, body := postJSON(t, app, "/mint", minter, `{"to":{"owner":"alice"},"amount":"1000"}`)
	if status != fiber.StatusOK || body != `{"Ok":0}` {
		t.Fatalf("mint: %d %s", status, body)
	}

	status, body = postJSON(t, app, "/icrc1/transfer", "alice", `{"to":{"owner":"bob"},"amount":"2000"}`)
	if status != fiber.StatusUnprocessableEntity {
		t.Fatalf("expected %d got %d", fiber.StatusUnprocessableEntity, status)
	}
	if body != `{"Err":{"InsufficientFunds":{"balance":"1000"}}}` {
		t.Fatalf("unexpected error body %s", body)
	}

	status, body = postJSON(t, app, "/icrc1/balance_of", "", `{"owner":"alice"}`)
	if status != fiber.StatusOK || body != `{"balance":"1000"}` {
		t.Fatalf("balance_of: %d %s", status, body)
	}
}

func TestHandlerRequiresCaller(t *testing.T) {
	app, _ := newLedgerApp(t)
	status, _ := postJSON(t, app, "/icrc1/transfer", "", `{"to":{"owner":"bob"},"amount":"1"}`)
	if status != fiber.StatusUnauthorized {
		t.Fatalf("expected %d got %d", fiber.StatusUnauthorized, status)
	}
}

func TestHandlerRejectsPrincipalSpellingAnotherAccount(t *testing.T) {
	app, l := newLedgerApp(t)
	custody := CustodyAccount("wallet", "alice")
	mustMint(t, l, custody, 1_000)

	status, _ := postJSON(t, app, "/icrc1/transfer", Principal(custody.Key()), `{"to":{"owner":"mallory"},"amount":"500"}`)
	if status != fiber.StatusBadRequest {
		t.Fatalf("expected %d got %d", fiber.StatusBadRequest, status)
	}
	status, _ = postJSON(t, app, "/icrc1/balance_of", "", `{"owner":"`+custody.Key()+`"}`)
	if status != fiber.StatusBadRequest {
		t.Fatalf("expected %d got %d", fiber.StatusBadRequest, status)
	}
	if got := balanceOf(t, l, custody); got != "1000" {
		t.Fatalf("custody balance should stay 1000, got %s", got)
	}
}

func TestHandlerBlockNotFound(t *testing.T) {
	app, _ := newLedgerApp(t)
	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/blocks/42", nil))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected %d got %d", fiber.StatusNotFound, resp.StatusCode)
	}
}

func TestHandlerMetadata(t *testing.T) {
	app, _ := newLedgerApp(t)
	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/icrc1/metadata", nil))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	var meta metadataResponse
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if meta.Symbol != "ckTestBTC" || meta.Decimals != 8 || meta.Fee != "10" {
		t.Fatalf("unexpected metadata %+v", meta)
	}
	if len(meta.SupportedStandards) != 2 {
		t.Fatalf("expected ICRC-1 and ICRC-2, got %+v", meta.SupportedStandards)
	}
}

func TestClientAgainstHandler(t *testing.T) {
	app, _ := newLedgerApp(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go app.Listener(ln) // nolint:errcheck
	t.Cleanup(func() { _ = app.Shutdown() })

	client := NewClient("http://"+ln.Addr().String(), "", 2*time.Second)
	ctx := context.Background()

	fee, err := client.Fee(ctx)
	if err != nil {
		t.Fatalf("fee: %v", err)
	}
	if fee.String() != "10" {
		t.Fatalf("expected fee 10, got %s", fee)
	}

	if _, err := client.Mint(ctx, minter, MintArgs{To: NewAccount("alice"), Amount: tokens.New(500)}); err != nil {
		t.Fatalf("mint: %v", err)
	}
	index, err := client.Transfer(ctx, "alice", TransferArgs{To: NewAccount("bob"), Amount: tokens.New(100)})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if index != 1 {
		t.Fatalf("expected block 1, got %d", index)
	}

	balance, err := client.BalanceOf(ctx, NewAccount("alice"))
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.String() != "390" {
		t.Fatalf("expected 390, got %s", balance)
	}

	_, err = client.Transfer(ctx, "alice", TransferArgs{To: NewAccount("bob"), Amount: tokens.New(1_000)})
	var ledgerErr *Error
	if !errors.As(err, &ledgerErr) || ledgerErr.Reason != ReasonInsufficientFunds || ledgerErr.Balance.String() != "390" {
		t.Fatalf("expected InsufficientFunds{390} over the wire, got %v", err)
	}
}
