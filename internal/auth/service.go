package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Service persists users and the token material of browser sessions.
type Service struct {
	repo       Repository
	sessionTTL time.Duration
}

// NewService creates a new auth Service. Sessions untouched for longer than
// sessionTTL are removed by CleanupStaleSessions.
func NewService(repo Repository, sessionTTL time.Duration) *Service {
	if sessionTTL == 0 {
		sessionTTL = 30 * 24 * time.Hour
	}
	return &Service{
		repo:       repo,
		sessionTTL: sessionTTL,
	}
}

// CreateOrUpdateUser finds an existing user by OAuth credentials or creates a new one.
func (s *Service) CreateOrUpdateUser(ctx context.Context, provider string, identity *Identity) (*User, error) {
	existing, err := s.repo.FindUserByOAuth(ctx, provider, identity.Sub)
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}

	if existing != nil {
		// Update last login and refresh profile data
		if err := s.repo.UpdateUserLogin(ctx, existing.ID, identity.Name, identity.Picture); err != nil {
			return nil, fmt.Errorf("update user login: %w", err)
		}
		existing.Name = identity.Name
		existing.AvatarURL = identity.Picture
		existing.LastLoginAt = time.Now()
		return existing, nil
	}

	now := time.Now()
	newUser := User{
		ID:              uuid.New(),
		Email:           identity.Email,
		Name:            identity.Name,
		AvatarURL:       identity.Picture,
		OAuthProvider:   provider,
		OAuthProviderID: identity.Sub,
		CreatedAt:       now,
		UpdatedAt:       now,
		LastLoginAt:     now,
	}

	created, err := s.repo.CreateUser(ctx, newUser)
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}

	return &created, nil
}

// StoreSession saves the session under the given browser key.
func (s *Service) StoreSession(ctx context.Context, key string, session Session) error {
	if key == "" {
		return ErrMissingSessionKey
	}
	if session.ID == uuid.Nil {
		session.ID = uuid.New()
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now()
	}
	session.UserAgent = truncateString(session.UserAgent, 512)
	session.IPAddress = truncateString(session.IPAddress, 45)

	if err := s.repo.SaveSession(ctx, hashToken(key), session); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// LoadSession returns the session stored under key, or nil if there is none.
func (s *Service) LoadSession(ctx context.Context, key string) (*Session, error) {
	if key == "" {
		return nil, nil
	}

	session, err := s.repo.FindSession(ctx, hashToken(key))
	if err != nil {
		return nil, fmt.Errorf("find session: %w", err)
	}
	return session, nil
}

// DeleteSession removes the session stored under key.
func (s *Service) DeleteSession(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}

	if err := s.repo.DeleteSession(ctx, hashToken(key)); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// CleanupStaleSessions removes sessions that outlived the session TTL.
func (s *Service) CleanupStaleSessions(ctx context.Context) (int64, error) {
	return s.repo.DeleteStaleSessions(ctx, time.Now().Add(-s.sessionTTL))
}

// NewSessionKey returns a random browser session key suitable for a cookie.
func NewSessionKey() (string, error) {
	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", fmt.Errorf("generate session key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(tokenBytes), nil
}

// hashToken returns the SHA-256 hash of the token as a hex string.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// truncateString truncates a string to the given max length.
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
