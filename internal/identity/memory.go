package identity

import (
	"context"
	"sync"
	"time"
)

type memoryRepository struct {
	mu      sync.RWMutex
	users   map[string]User
	handles map[string]string
}

// NewMemoryRepository builds an in-memory user store for development and tests.
func NewMemoryRepository() Repository {
	return &memoryRepository{users: make(map[string]User), handles: make(map[string]string)}
}

func (r *memoryRepository) Create(_ context.Context, user User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handles[user.Handle]; exists {
		return ErrUserExists
	}
	r.users[user.ID] = user
	r.handles[user.Handle] = user.ID
	return nil
}

func (r *memoryRepository) FindByHandle(_ context.Context, handle string) (User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.handles[handle]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return r.users[id], nil
}

func (r *memoryRepository) FindByID(_ context.Context, id string) (User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	user, ok := r.users[id]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

func (r *memoryRepository) UpdateDevice(_ context.Context, id, deviceID string) error {
	return r.mutate(id, func(u *User) { u.DeviceID = deviceID })
}

func (r *memoryRepository) RecordLogin(_ context.Context, id string, at time.Time) error {
	at = at.UTC()
	return r.mutate(id, func(u *User) { u.LastLogin = &at })
}

func (r *memoryRepository) UpdateTokenVersion(_ context.Context, id string, version int) error {
	return r.mutate(id, func(u *User) { u.TokenVersion = version })
}

func (r *memoryRepository) mutate(id string, fn func(*User)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.users[id]
	if !ok {
		return ErrUserNotFound
	}
	fn(&user)
	r.users[id] = user
	return nil
}
