package identity

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Service manages identity lifecycle.
type Service struct {
	repo  Repository
	clock func() time.Time
}

// NewService creates a new identity service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

// Register creates a principal and stores a hashed PIN.
func (s *Service) Register(ctx context.Context, creds Credentials) (User, error) {
	if !validPIN(creds.PIN) {
		return User{}, ErrWeakPIN
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(creds.PIN), bcrypt.DefaultCost)
	if err != nil {
		return User{}, err
	}

	user := User{
		ID:        uuid.New().String(),
		Handle:    strings.TrimSpace(creds.Handle),
		PINHash:   hash,
		DeviceID:  creds.DeviceID,
		CreatedAt: s.clock().UTC(),
	}

	if err := s.repo.Create(ctx, user); err != nil {
		return User{}, err
	}

	return user, nil
}

// Authenticate verifies credentials and device binding. The first login
// binds the device when registration did not.
func (s *Service) Authenticate(ctx context.Context, creds Credentials) (User, error) {
	user, err := s.repo.FindByHandle(ctx, strings.TrimSpace(creds.Handle))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return User{}, ErrInvalidPIN
		}
		return User{}, err
	}

	if err := bcrypt.CompareHashAndPassword(user.PINHash, []byte(creds.PIN)); err != nil {
		return User{}, ErrInvalidPIN
	}

	if user.DeviceID == "" {
		if creds.DeviceID == "" {
			return User{}, ErrDeviceRequired
		}
		if err := s.repo.UpdateDevice(ctx, user.ID, creds.DeviceID); err != nil {
			return User{}, err
		}
		user.DeviceID = creds.DeviceID
	} else if creds.DeviceID != "" && user.DeviceID != creds.DeviceID {
		return User{}, ErrDeviceMismatch
	}

	now := s.clock().UTC()
	if err := s.repo.RecordLogin(ctx, user.ID, now); err != nil {
		return User{}, err
	}
	user.LastLogin = &now
	return user, nil
}

// Get returns the user behind a principal.
func (s *Service) Get(ctx context.Context, id string) (User, error) {
	return s.repo.FindByID(ctx, id)
}

func validPIN(pin string) bool {
	if len(pin) < 4 || len(pin) > 12 {
		return false
	}
	for _, r := range pin {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
