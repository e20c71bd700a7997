package auth

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is an in-memory Repository used for development and tests.
type MemoryRepository struct {
	mu       sync.RWMutex
	users    map[uuid.UUID]User
	sessions map[string]memorySession
}

type memorySession struct {
	session   Session
	updatedAt time.Time
}

// NewMemoryRepository returns an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		users:    make(map[uuid.UUID]User),
		sessions: make(map[string]memorySession),
	}
}

// FindUserByOAuth implements Repository.
func (r *MemoryRepository) FindUserByOAuth(_ context.Context, provider, providerID string) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, user := range r.users {
		if user.OAuthProvider == provider && user.OAuthProviderID == providerID {
			u := user
			return &u, nil
		}
	}
	return nil, nil
}

// CreateUser implements Repository.
func (r *MemoryRepository) CreateUser(_ context.Context, user User) (User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.users[user.ID] = user
	return user, nil
}

// UpdateUserLogin implements Repository.
func (r *MemoryRepository) UpdateUserLogin(_ context.Context, id uuid.UUID, name, avatarURL string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	user, ok := r.users[id]
	if !ok {
		return nil
	}
	now := time.Now()
	user.Name = name
	user.AvatarURL = avatarURL
	user.LastLoginAt = now
	user.UpdatedAt = now
	r.users[id] = user
	return nil
}

// SaveSession implements Repository.
func (r *MemoryRepository) SaveSession(_ context.Context, keyHash string, session Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.sessions[keyHash]; ok {
		session.ID = existing.session.ID
		session.CreatedAt = existing.session.CreatedAt
		session.UserAgent = existing.session.UserAgent
		session.IPAddress = existing.session.IPAddress
	}
	r.sessions[keyHash] = memorySession{session: session, updatedAt: time.Now()}
	return nil
}

// FindSession implements Repository.
func (r *MemoryRepository) FindSession(_ context.Context, keyHash string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.sessions[keyHash]
	if !ok {
		return nil, nil
	}
	session := entry.session
	if user, ok := r.users[session.User.ID]; ok {
		role := session.User.AppMetadata
		session.User = user
		session.User.AppMetadata = role
	}
	return &session, nil
}

// DeleteSession implements Repository.
func (r *MemoryRepository) DeleteSession(_ context.Context, keyHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sessions, keyHash)
	return nil
}

// DeleteStaleSessions implements Repository.
func (r *MemoryRepository) DeleteStaleSessions(_ context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed int64
	for key, entry := range r.sessions {
		if entry.updatedAt.Before(before) {
			delete(r.sessions, key)
			removed++
		}
	}
	return removed, nil
}
