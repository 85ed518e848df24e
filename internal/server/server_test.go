package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/testbtc_custody/internal/config"
	"github.com/congo-pay/testbtc_custody/internal/ledger"
	"github.com/congo-pay/testbtc_custody/internal/logging"
)

func testConfig() config.Config {
	return config.Config{
		AppName:           "custody-test",
		AppEnv:            "test",
		JWTSecret:         "test-secret",
		AccessTokenTTL:    time.Minute,
		IdempotencyTTL:    time.Minute,
		TransferFee:       10,
		WalletPrincipal:   "custody-wallet",
		EventsBackend:     config.EventsLog,
		ReconcileInterval: time.Minute,
	}
}

func do(t *testing.T, app *fiber.App, method, path, token, body string, headers ...string) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	if token != "" {
		req.Header.Set(fiber.HeaderAuthorization, "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	out := map[string]any{}
	_ = json.Unmarshal(raw, &out)
	return resp.StatusCode, out
}

func TestCustodyAPIFlow(t *testing.T) {
	srv, err := New(context.Background(), testConfig(), nil, nil, logging.Discard())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	app := srv.App()

	status, body := do(t, app, fiber.MethodPost, "/api/v1/identity/register", "", `{"handle":"alice","pin":"1234","device_id":"d1"}`)
	if status != fiber.StatusCreated {
		t.Fatalf("register: %d %v", status, body)
	}
	principal, _ := body["principal"].(string)

	status, body = do(t, app, fiber.MethodPost, "/api/v1/auth/login", "", `{"handle":"alice","pin":"1234","device_id":"d1"}`)
	if status != fiber.StatusOK {
		t.Fatalf("login: %d %v", status, body)
	}
	token, _ := body["access_token"].(string)
	if token == "" || body["principal"] != principal {
		t.Fatalf("unexpected login response %v", body)
	}

	if status, _ := do(t, app, fiber.MethodGet, "/api/v1/balance", "", ""); status != fiber.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", status)
	}

	status, body = do(t, app, fiber.MethodPost, "/api/v1/faucet", token, "{}")
	if status != fiber.StatusOK {
		t.Fatalf("faucet: %d %v", status, body)
	}

	status, body = do(t, app, fiber.MethodPost, "/api/v1/custody/deposit", token, `{"amount":"1000"}`)
	if status != fiber.StatusOK {
		t.Fatalf("deposit: %d %v", status, body)
	}
	if body["custodial_balance"] != "1000" || body["personal_balance"] != "99998990" {
		t.Fatalf("unexpected receipt %v", body)
	}

	status, body = do(t, app, fiber.MethodGet, "/api/v1/custody/status", token, "")
	if status != fiber.StatusOK || body["virtual_balance"] != "1000" || body["can_deposit"] != true {
		t.Fatalf("status: %d %v", status, body)
	}

	status, body = do(t, app, fiber.MethodGet, "/api/v1/custody/reserve", token, "")
	if status != fiber.StatusOK || body["is_solvent"] != true {
		t.Fatalf("reserve: %d %v", status, body)
	}

	status, body = do(t, app, fiber.MethodGet, "/api/v1/icp/balance", token, "")
	if status != fiber.StatusOK || body["balance"] != "1000000000" {
		t.Fatalf("icp balance: %d %v", status, body)
	}

	status, body = do(t, app, fiber.MethodPost, "/api/v1/auth/logout", token, "{}")
	if status != fiber.StatusOK {
		t.Fatalf("logout: %d %v", status, body)
	}
	if status, _ := do(t, app, fiber.MethodGet, "/api/v1/balance", token, ""); status != fiber.StatusUnauthorized {
		t.Fatalf("expected revoked token to be rejected, got %d", status)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	srv, err := New(context.Background(), testConfig(), nil, nil, logging.Discard())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	status, body := do(t, srv.App(), fiber.MethodGet, "/healthz", "", "")
	if status != fiber.StatusOK {
		t.Fatalf("healthz: %d %v", status, body)
	}

	req := httptest.NewRequest(fiber.MethodGet, "/metrics", nil)
	resp, err := srv.App().Test(req)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != fiber.StatusOK || !strings.Contains(string(raw), "go_goroutines") {
		t.Fatalf("unexpected metrics response %d", resp.StatusCode)
	}
}

func TestLedgerServiceRequiresServiceToken(t *testing.T) {
	cfg := testConfig()
	cfg.LedgerServiceToken = "svc-token"
	srv, err := NewLedger(cfg, nil, nil, logging.Discard())
	if err != nil {
		t.Fatalf("new ledger server: %v", err)
	}
	app := srv.App()
	mint := `{"to":{"owner":"alice"},"amount":"500"}`

	if status, _ := do(t, app, fiber.MethodPost, "/mint", "", mint, ledger.PrincipalHeader, "custody-wallet"); status != fiber.StatusUnauthorized {
		t.Fatalf("expected 401 without service token, got %d", status)
	}

	status, body := do(t, app, fiber.MethodPost, "/mint", "", mint,
		ledger.PrincipalHeader, "custody-wallet", ledger.ServiceTokenHeader, "svc-token")
	if status != fiber.StatusOK || body["Ok"] != float64(0) {
		t.Fatalf("mint: %d %v", status, body)
	}

	status, body = do(t, app, fiber.MethodPost, "/icrc1/balance_of", "", `{"owner":"alice"}`, ledger.ServiceTokenHeader, "svc-token")
	if status != fiber.StatusOK || body["balance"] != "500" {
		t.Fatalf("balance_of: %d %v", status, body)
	}
}
