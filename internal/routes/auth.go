package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/testbtc_custody/internal/auth"
)

// RegisterAuthRoutes wires the public authentication endpoint.
func RegisterAuthRoutes(r fiber.Router, h *auth.Handler, rateLimiter fiber.Handler) {
	group := r.Group("/auth")
	if rateLimiter != nil {
		group.Post("/login", rateLimiter, h.Login)
	} else {
		group.Post("/login", h.Login)
	}
}
