package identity

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/testbtc_custody/internal/ledger"
)

var validate = validator.New()

// Handler exposes identity endpoints.
type Handler struct {
	service *Service
}

// NewHandler constructs an identity HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type registerRequest struct {
	Handle   string `json:"handle" validate:"required,min=3,max=64,alphanum"`
	PIN      string `json:"pin" validate:"required,numeric,min=4,max=12"`
	DeviceID string `json:"device_id" validate:"omitempty,max=128"`
}

// Register handles principal onboarding.
func (h *Handler) Register(c *fiber.Ctx) error {
	var req registerRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if err := validate.Struct(req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	user, err := h.service.Register(c.UserContext(), Credentials{Handle: req.Handle, PIN: req.PIN, DeviceID: req.DeviceID})
	if err != nil {
		switch {
		case errors.Is(err, ErrUserExists):
			return fiber.NewError(http.StatusConflict, err.Error())
		case errors.Is(err, ErrWeakPIN):
			return fiber.NewError(http.StatusBadRequest, err.Error())
		default:
			return fiber.NewError(http.StatusInternalServerError, err.Error())
		}
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{
		"principal": user.ID,
		"handle":    user.Handle,
		"device_id": user.DeviceID,
	})
}

// Me returns the authenticated principal's profile.
func (h *Handler) Me(c *fiber.Ctx) error {
	id, _ := c.Locals(ledger.PrincipalLocal).(string)
	if id == "" {
		return fiber.NewError(http.StatusUnauthorized, "unauthorized")
	}
	user, err := h.service.Get(c.UserContext(), id)
	if err != nil {
		return fiber.NewError(http.StatusNotFound, "user not found")
	}
	return c.JSON(user)
}
