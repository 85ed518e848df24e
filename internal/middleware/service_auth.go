package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/testbtc_custody/internal/ledger"
)

// ServiceAuth admits calls from trusted services. A caller presenting the
// shared service token may act on behalf of the principal named in the
// X-Principal header. An empty token disables the check, which is only
// acceptable in development.
func ServiceAuth(token string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if token != "" {
			presented := c.Get(ledger.ServiceTokenHeader)
			if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				return fiber.NewError(http.StatusUnauthorized, "invalid service token")
			}
		}
		if p := c.Get(ledger.PrincipalHeader); p != "" {
			c.Locals(ledger.PrincipalLocal, p)
		}
		return c.Next()
	}
}
