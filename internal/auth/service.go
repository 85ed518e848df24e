package auth

import (
	"context"
	"errors"
	"time"

	"github.com/congo-pay/testbtc_custody/internal/config"
	"github.com/congo-pay/testbtc_custody/internal/identity"
)

// ErrTokenRevoked is returned for a well-formed token issued before the
// principal's last logout.
var ErrTokenRevoked = errors.New("token invalidated")

// Service issues and checks bearer tokens for principals.
type Service struct {
	cfg    config.Config
	idRepo identity.Repository
	clock  func() time.Time
}

func NewService(cfg config.Config, idRepo identity.Repository) *Service {
	return &Service{cfg: cfg, idRepo: idRepo, clock: time.Now}
}

// Token is an issued access token.
type Token struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Claims are the verified contents of an access token.
type Claims struct {
	Principal    string
	Handle       string
	TokenVersion int
}

// Issue signs an access token for an authenticated user.
func (s *Service) Issue(user identity.User) (Token, error) {
	now := s.clock()
	exp := now.Add(s.cfg.AccessTokenTTL)
	signed, err := SignHS256(map[string]any{
		"sub":    user.ID,
		"handle": user.Handle,
		"ver":    user.TokenVersion,
		"iat":    now.Unix(),
		"exp":    exp.Unix(),
	}, []byte(s.cfg.JWTSecret))
	if err != nil {
		return Token{}, err
	}
	return Token{AccessToken: signed, ExpiresIn: int64(s.cfg.AccessTokenTTL.Seconds())}, nil
}

// Verify checks a token and that its version still matches the principal's.
func (s *Service) Verify(ctx context.Context, token string) (Claims, error) {
	raw, err := ParseAndVerifyHS256(token, []byte(s.cfg.JWTSecret), s.clock())
	if err != nil {
		return Claims{}, err
	}
	sub, _ := raw["sub"].(string)
	handle, _ := raw["handle"].(string)
	ver, _ := raw["ver"].(float64)
	if sub == "" {
		return Claims{}, ErrMalformedToken
	}

	user, err := s.idRepo.FindByID(ctx, sub)
	if err != nil {
		return Claims{}, ErrTokenRevoked
	}
	if user.TokenVersion != int(ver) {
		return Claims{}, ErrTokenRevoked
	}
	return Claims{Principal: sub, Handle: handle, TokenVersion: int(ver)}, nil
}

// Logout increments the token version so older tokens become invalid.
func (s *Service) Logout(ctx context.Context, principal string) error {
	user, err := s.idRepo.FindByID(ctx, principal)
	if err != nil {
		return err
	}
	return s.idRepo.UpdateTokenVersion(ctx, user.ID, user.TokenVersion+1)
}
