package middleware

import (
	"bytes"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/testbtc_custody/internal/auth"
	"github.com/congo-pay/testbtc_custody/internal/config"
	"github.com/congo-pay/testbtc_custody/internal/identity"
	"github.com/congo-pay/testbtc_custody/internal/ledger"
	"github.com/congo-pay/testbtc_custody/internal/logging"
)

func whoami(c *fiber.Ctx) error {
	p, _ := c.Locals(ledger.PrincipalLocal).(string)
	return c.SendString(p)
}

func TestServiceAuthRequiresToken(t *testing.T) {
	app := fiber.New()
	app.Use(ServiceAuth("s3cret"))
	app.Get("/", whoami)

	req := httptest.NewRequest(fiber.MethodGet, "/", nil)
	req.Header.Set(ledger.PrincipalHeader, "alice")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}

	req = httptest.NewRequest(fiber.MethodGet, "/", nil)
	req.Header.Set(ledger.PrincipalHeader, "alice")
	req.Header.Set(ledger.ServiceTokenHeader, "s3cret")
	resp, err = app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	buf := new(bytes.Buffer)
	buf.ReadFrom(resp.Body)
	if resp.StatusCode != fiber.StatusOK || buf.String() != "alice" {
		t.Fatalf("expected alice, got %d %q", resp.StatusCode, buf.String())
	}
}

func TestJWTAuthSetsPrincipal(t *testing.T) {
	repo := identity.NewMemoryRepository()
	ids := identity.NewService(repo)
	tokens := auth.NewService(config.Config{JWTSecret: "k", AccessTokenTTL: time.Minute}, repo)

	user, err := ids.Register(t.Context(), identity.Credentials{Handle: "alice", PIN: "1234", DeviceID: "d"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	token, err := tokens.Issue(user)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	app := fiber.New()
	app.Use(JWTAuth(tokens))
	app.Get("/", whoami)

	req := httptest.NewRequest(fiber.MethodGet, "/", nil)
	resp, _ := app.Test(req)
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Fatalf("expected 401 without bearer, got %d", resp.StatusCode)
	}

	req = httptest.NewRequest(fiber.MethodGet, "/", nil)
	req.Header.Set(fiber.HeaderAuthorization, "Bearer "+token.AccessToken)
	resp, err = app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	buf := new(bytes.Buffer)
	buf.ReadFrom(resp.Body)
	if resp.StatusCode != fiber.StatusOK || buf.String() != user.ID {
		t.Fatalf("expected principal %s, got %d %q", user.ID, resp.StatusCode, buf.String())
	}
}

func TestLoginRateLimitByHandle(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer cache.Close()

	app := fiber.New()
	app.Post("/login", LoginRateLimit(cache, 2), func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })

	attempt := func(handle string) int {
		req := httptest.NewRequest(fiber.MethodPost, "/login", strings.NewReader(`{"handle":"`+handle+`"}`))
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("app.Test: %v", err)
		}
		return resp.StatusCode
	}

	attempt("alice")
	attempt("alice")
	if status := attempt("alice"); status != fiber.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", status)
	}
	if status := attempt("bob"); status != fiber.StatusOK {
		t.Fatalf("bob must not share alice's budget, got %d", status)
	}
}

func TestRequestIDAndAudit(t *testing.T) {
	var logs bytes.Buffer
	logger := logging.NewWithWriter(&logs, "info")

	app := fiber.New()
	app.Use(RequestID())
	app.Use(ServiceAuth(""))
	app.Use(Audit(logger))
	app.Get("/", whoami)

	req := httptest.NewRequest(fiber.MethodGet, "/", nil)
	req.Header.Set(ledger.PrincipalHeader, "alice")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	id := resp.Header.Get(RequestIDHeader)
	if id == "" {
		t.Fatalf("expected a generated request id")
	}
	out := logs.String()
	if !strings.Contains(out, id) || !strings.Contains(out, `"principal":"alice"`) {
		t.Fatalf("audit line missing request id or principal: %s", out)
	}
}
