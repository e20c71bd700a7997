package auth

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository defines the interface for user and session persistence.
// Sessions are addressed by the hash of the browser cookie value.
type Repository interface {
	// User operations
	FindUserByOAuth(ctx context.Context, provider, providerID string) (*User, error)
	CreateUser(ctx context.Context, user User) (User, error)
	UpdateUserLogin(ctx context.Context, id uuid.UUID, name, avatarURL string) error

	// Session operations
	SaveSession(ctx context.Context, keyHash string, session Session) error
	FindSession(ctx context.Context, keyHash string) (*Session, error)
	DeleteSession(ctx context.Context, keyHash string) error
	DeleteStaleSessions(ctx context.Context, before time.Time) (int64, error)
}
