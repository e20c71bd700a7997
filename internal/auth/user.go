package auth

import (
	"time"

	"github.com/google/uuid"
)

// RoleAdmin is the app-level role that bypasses request quotas.
const RoleAdmin = "admin"

// AppMetadata holds app-level attributes taken from trusted token claims.
type AppMetadata struct {
	Role string `json:"role,omitempty"`
}

// User represents an authenticated user in the system.
type User struct {
	ID              uuid.UUID
	Email           string
	Name            string
	AvatarURL       string
	OAuthProvider   string
	OAuthProviderID string
	AppMetadata     AppMetadata
	CreatedAt       time.Time
	UpdatedAt       time.Time
	LastLoginAt     time.Time
}

// IsAdmin reports whether the user's trusted claims grant the admin role.
func (u User) IsAdmin() bool {
	return u.AppMetadata.Role == RoleAdmin
}

// Session is the identity provider token material for one browser session.
type Session struct {
	ID           uuid.UUID
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	User         User
	CreatedAt    time.Time
	UserAgent    string
	IPAddress    string
}

// Valid reports whether the session is usable at now. A session without a
// token or user is never valid.
func (s *Session) Valid(now time.Time) bool {
	if s == nil || s.AccessToken == "" || s.User.ID == uuid.Nil {
		return false
	}
	return now.Before(s.ExpiresAt)
}

// Remaining returns the token lifetime left at now.
func (s *Session) Remaining(now time.Time) time.Duration {
	if s == nil {
		return 0
	}
	return s.ExpiresAt.Sub(now)
}

func (s *Session) clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}

// Identity contains the verified claims of a provider ID token.
type Identity struct {
	Sub           string      `json:"sub"`
	Email         string      `json:"email"`
	EmailVerified bool        `json:"email_verified"`
	Name          string      `json:"name"`
	Picture       string      `json:"picture"`
	AppMetadata   AppMetadata `json:"app_metadata"`
}

// Status is the lifecycle state of a managed session.
type Status string

const (
	StatusChecking   Status = "checking"
	StatusValid      Status = "valid"
	StatusRefreshing Status = "refreshing"
	StatusExpired    Status = "expired"
	StatusInvalid    Status = "invalid"
)

// State is a read-only snapshot of a Manager.
type State struct {
	Status  Status
	Session *Session
	Loading bool
	Error   string
}

// Authenticated reports whether the snapshot carries a usable session.
func (s State) Authenticated(now time.Time) bool {
	if s.Status != StatusValid && s.Status != StatusRefreshing {
		return false
	}
	return s.Session.Valid(now)
}

// EventType identifies an identity provider push.
type EventType string

const (
	EventSignedIn       EventType = "signed_in"
	EventSignedOut      EventType = "signed_out"
	EventTokenRefreshed EventType = "token_refreshed"
)

// Event is pushed by the identity provider when the state of a browser
// session changes.
type Event struct {
	Type    EventType
	Key     string
	Session *Session
}
