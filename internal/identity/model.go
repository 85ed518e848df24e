package identity

import (
	"errors"
	"time"
)

// User is a registered principal. ID doubles as the ledger principal.
type User struct {
	ID           string     `json:"id"`
	Handle       string     `json:"handle"`
	PINHash      []byte     `json:"-"`
	DeviceID     string     `json:"device_id,omitempty"`
	TokenVersion int        `json:"token_version"`
	CreatedAt    time.Time  `json:"created_at"`
	LastLogin    *time.Time `json:"last_login,omitempty"`
}

// Credentials request structure.
type Credentials struct {
	Handle   string
	PIN      string
	DeviceID string
}

var (
	ErrUserExists     = errors.New("user exists")
	ErrUserNotFound   = errors.New("user not found")
	ErrWeakPIN        = errors.New("PIN must be 4 to 12 digits")
	ErrInvalidPIN     = errors.New("invalid PIN")
	ErrDeviceRequired = errors.New("device binding required")
	ErrDeviceMismatch = errors.New("device mismatch")
)
