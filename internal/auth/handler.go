package auth

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/testbtc_custody/internal/identity"
	"github.com/congo-pay/testbtc_custody/internal/ledger"
)

var validate = validator.New()

// Handler exposes login and logout.
type Handler struct {
	ids *identity.Service
	svc *Service
}

func NewHandler(ids *identity.Service, svc *Service) *Handler {
	return &Handler{ids: ids, svc: svc}
}

type loginRequest struct {
	Handle   string `json:"handle" validate:"required"`
	PIN      string `json:"pin" validate:"required"`
	DeviceID string `json:"device_id"`
}

type loginResponse struct {
	Principal    string `json:"principal"`
	AccessToken  string `json:"access_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenVersion int    `json:"token_version"`
}

// Login validates credentials and returns an access token.
func (h *Handler) Login(c *fiber.Ctx) error {
	var req loginRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if err := validate.Struct(req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	user, err := h.ids.Authenticate(c.UserContext(), identity.Credentials{Handle: req.Handle, PIN: req.PIN, DeviceID: req.DeviceID})
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrInvalidPIN),
			errors.Is(err, identity.ErrDeviceRequired),
			errors.Is(err, identity.ErrDeviceMismatch):
			return fiber.NewError(http.StatusUnauthorized, err.Error())
		default:
			return fiber.NewError(http.StatusInternalServerError, err.Error())
		}
	}
	token, err := h.svc.Issue(user)
	if err != nil {
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	return c.Status(http.StatusOK).JSON(loginResponse{
		Principal:    user.ID,
		AccessToken:  token.AccessToken,
		ExpiresIn:    token.ExpiresIn,
		TokenVersion: user.TokenVersion,
	})
}

// Logout invalidates the caller's outstanding tokens.
func (h *Handler) Logout(c *fiber.Ctx) error {
	principal, _ := c.Locals(ledger.PrincipalLocal).(string)
	if principal == "" {
		return fiber.NewError(http.StatusUnauthorized, "unauthorized")
	}
	if err := h.svc.Logout(c.UserContext(), principal); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"status": "logged_out"})
}
