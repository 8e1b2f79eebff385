package identity

import (
	"context"
	"sync"
)

type memoryRepository struct {
	mu    sync.RWMutex
	users map[string]User
}

// NewMemoryRepository builds an in-memory user store for testing.
func NewMemoryRepository() Repository {
	return &memoryRepository{users: make(map[string]User)}
}

func (r *memoryRepository) Create(_ context.Context, user User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.users {
		if existing.Username == user.Username {
			return ErrUsernameExists
		}
		if existing.Phone == user.Phone {
			return ErrPhoneExists
		}
	}
	r.users[user.ID] = clone(user)
	return nil
}

func (r *memoryRepository) FindByID(_ context.Context, id string) (User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	user, ok := r.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return clone(user), nil
}

func (r *memoryRepository) FindByPhone(_ context.Context, phone string) (User, error) {
	return r.find(func(u User) bool { return u.Phone == phone })
}

func (r *memoryRepository) FindByUsername(_ context.Context, username string) (User, error) {
	return r.find(func(u User) bool { return u.Username == username })
}

func (r *memoryRepository) find(match func(User) bool) (User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, user := range r.users {
		if match(user) {
			return clone(user), nil
		}
	}
	return User{}, ErrNotFound
}

func (r *memoryRepository) SetFaceTemplate(_ context.Context, id string, template []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.users[id]
	if !ok {
		return ErrNotFound
	}
	user.FaceTemplate = append([]byte(nil), template...)
	r.users[id] = user
	return nil
}

func (r *memoryRepository) AddTrustedFingerprint(_ context.Context, id, visitorID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.users[id]
	if !ok {
		return ErrNotFound
	}
	for _, v := range user.TrustedFingerprints {
		if v == visitorID {
			return nil
		}
	}
	user.TrustedFingerprints = append(append([]string(nil), user.TrustedFingerprints...), visitorID)
	r.users[id] = user
	return nil
}

func clone(u User) User {
	u.PasswordHash = append([]byte(nil), u.PasswordHash...)
	if u.FaceTemplate != nil {
		u.FaceTemplate = append([]byte(nil), u.FaceTemplate...)
	}
	u.TrustedFingerprints = append([]string(nil), u.TrustedFingerprints...)
	return u
}
