package middleware

import (
	"errors"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/testbtc_custody/internal/ledger"
)

// Audit emits one structured log line per request, tagged with the request
// id and the acting principal when known.
func Audit(logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		var fe *fiber.Error
		if errors.As(err, &fe) {
			status = fe.Code
		}

		attrs := []any{
			slog.String("method", c.Method()),
			slog.String("path", c.Path()),
			slog.Int("status", status),
			slog.Duration("duration", time.Since(start)),
		}
		if requestID, _ := c.Locals(RequestIDHeader).(string); requestID != "" {
			attrs = append(attrs, slog.String("request_id", requestID))
		}
		if principal, _ := c.Locals(ledger.PrincipalLocal).(string); principal != "" {
			attrs = append(attrs, slog.String("principal", principal))
		}
		switch {
		case err != nil && status >= fiber.StatusInternalServerError:
			attrs = append(attrs, slog.Any("error", err))
			logger.Error("request completed", attrs...)
		case err != nil:
			attrs = append(attrs, slog.Any("error", err))
			logger.Warn("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
		return err
	}
}
