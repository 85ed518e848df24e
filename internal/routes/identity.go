package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/testbtc_custody/internal/identity"
)

// RegisterIdentityRoutes wires principal registration.
func RegisterIdentityRoutes(r fiber.Router, h *identity.Handler) {
	r.Post("/identity/register", h.Register)
}
