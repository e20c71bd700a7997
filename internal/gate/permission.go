// Package gate decides whether an extraction may run and wraps the
// extraction client with that decision, usage accounting and soft-failure
// classification.
package gate

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"recipereader/internal/auth"
)

// Kind classifies a denied permission check.
type Kind string

const (
	KindAuthentication Kind = "authentication"
	KindRateLimit      Kind = "rate_limit"
	KindOther          Kind = "other"
)

// AuthState is the authentication context a caller presents to the gate.
// A nil *AuthState means no context is available.
type AuthState struct {
	State auth.State
	Now   time.Time
}

// AuthStateFrom snapshots a manager.
func AuthStateFrom(m *auth.Manager) *AuthState {
	if m == nil {
		return nil
	}
	return &AuthState{State: m.Snapshot(), Now: m.Now()}
}

// Session returns the session of an authenticated state.
func (a *AuthState) Session() *auth.Session {
	if a == nil {
		return nil
	}
	return a.State.Session
}

// QuotaView is the read side of a quota tracker.
type QuotaView interface {
	HasQuota() bool
	IsAdmin() bool
	Remaining() (int, bool)
}

// Decision is the outcome of CheckPermission.
type Decision struct {
	Allowed   bool
	Kind      Kind
	Reason    string
	Remaining int
}

// Err converts a denied decision into the matching typed error. It returns
// nil for an allowed decision.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	switch d.Kind {
	case KindAuthentication:
		return &AuthenticationError{Reason: d.Reason}
	case KindRateLimit:
		return &RateLimitError{Remaining: d.Remaining, Reason: d.Reason}
	default:
		return fmt.Errorf("permission denied: %s", d.Reason)
	}
}

func allow() Decision {
	return Decision{Allowed: true}
}

func denyAuth(reason string) Decision {
	return Decision{Kind: KindAuthentication, Reason: reason}
}

// CheckPermission decides whether one more extraction may run.
// Authentication is always decided first; quota is only consulted for an
// authenticated user, so an anonymous caller never learns quota state.
func CheckPermission(state *AuthState, quota QuotaView) Decision {
	if d := checkAuthentication(state); !d.Allowed {
		return d
	}

	if quota == nil {
		return Decision{Kind: KindOther, Reason: "quota state unavailable"}
	}
	if quota.IsAdmin() || quota.HasQuota() {
		return allow()
	}
	remaining, _ := quota.Remaining()
	return Decision{
		Kind:      KindRateLimit,
		Reason:    "request limit reached",
		Remaining: remaining,
	}
}

func checkAuthentication(state *AuthState) Decision {
	if state == nil {
		return denyAuth("authentication context unavailable")
	}

	s := state.State
	if s.Loading || s.Status == auth.StatusChecking {
		return denyAuth("authentication is still loading")
	}
	if s.Status != auth.StatusValid && s.Status != auth.StatusRefreshing {
		return denyAuth("not signed in")
	}
	if s.Session == nil || s.Session.AccessToken == "" || s.Session.User.ID == uuid.Nil {
		return denyAuth("malformed session")
	}
	if !s.Session.Valid(state.Now) {
		return denyAuth("session expired")
	}
	return allow()
}
