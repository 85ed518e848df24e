package middleware

import (
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/testbtc_custody/internal/auth"
	"github.com/congo-pay/testbtc_custody/internal/ledger"
)

// JWTAuth validates bearer access tokens and stores the principal in Locals.
func JWTAuth(tokens *auth.Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authz := c.Get(fiber.HeaderAuthorization)
		if len(authz) < len("Bearer ") || !strings.EqualFold(authz[:len("Bearer ")], "bearer ") {
			return fiber.NewError(http.StatusUnauthorized, "missing bearer token")
		}
		claims, err := tokens.Verify(c.UserContext(), strings.TrimSpace(authz[len("Bearer "):]))
		if err != nil {
			return fiber.NewError(http.StatusUnauthorized, err.Error())
		}

		c.Locals(ledger.PrincipalLocal, claims.Principal)
		c.Locals("token_version", claims.TokenVersion)
		return c.Next()
	}
}
