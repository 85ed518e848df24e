package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/congo-pay/testbtc_custody/internal/config"
	"github.com/congo-pay/testbtc_custody/internal/identity"
)

func newTestService(t *testing.T) (*Service, *identity.Service) {
	t.Helper()
	repo := identity.NewMemoryRepository()
	cfg := config.Config{JWTSecret: "test-secret", AccessTokenTTL: time.Minute}
	return NewService(cfg, repo), identity.NewService(repo)
}

func TestIssueAndVerify(t *testing.T) {
	svc, ids := newTestService(t)
	ctx := context.Background()

	user, err := ids.Register(ctx, identity.Credentials{Handle: "alice", PIN: "1234", DeviceID: "d1"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	token, err := svc.Issue(user)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if token.ExpiresIn != 60 {
		t.Fatalf("expected 60s expiry, got %d", token.ExpiresIn)
	}

	claims, err := svc.Verify(ctx, token.AccessToken)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Principal != user.ID || claims.Handle != "alice" {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestLogoutRevokesTokens(t *testing.T) {
	svc, ids := newTestService(t)
	ctx := context.Background()

	user, _ := ids.Register(ctx, identity.Credentials{Handle: "bob", PIN: "1234", DeviceID: "d1"})
	token, _ := svc.Issue(user)

	if err := svc.Logout(ctx, user.ID); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := svc.Verify(ctx, token.AccessToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected revoked token, got %v", err)
	}
}

func TestVerifyRejectsTamperedAndExpiredTokens(t *testing.T) {
	secret := []byte("s3cret")
	now := time.Unix(1_700_000_000, 0)

	token, err := SignHS256(map[string]any{"sub": "p", "exp": now.Add(time.Minute).Unix()}, secret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := ParseAndVerifyHS256(token, secret, now); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if _, err := ParseAndVerifyHS256(token, []byte("other"), now); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected signature mismatch, got %v", err)
	}
	if _, err := ParseAndVerifyHS256(token, secret, now.Add(2*time.Minute)); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected expiry, got %v", err)
	}

	parts := strings.Split(token, ".")
	none := b64.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	if _, err := ParseAndVerifyHS256(none+"."+parts[1]+"."+parts[2], secret, now); !errors.Is(err, ErrMalformedToken) {
		t.Fatalf("expected alg none to be rejected, got %v", err)
	}
	if _, err := ParseAndVerifyHS256("a.b", secret, now); !errors.Is(err, ErrMalformedToken) {
		t.Fatalf("expected malformed token, got %v", err)
	}
}
