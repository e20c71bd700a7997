package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"recipereader/internal/auth"
	"recipereader/internal/extraction"
)

const (
	sessionCookieName = "recipereader_session"
	sessionCookieTTL  = 30 * 24 * time.Hour
)

func sessionCookie(key string, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     sessionCookieName,
		Value:    key,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(sessionCookieTTL.Seconds()),
	}
}

// SessionHandler reports and ends browser sessions.
type SessionHandler struct {
	sessions     SessionRegistry
	trackers     QuotaSource
	inflight     *extraction.Inflight
	secureCookie bool
	logger       *slog.Logger
}

// NewSessionHandler returns a session handler. trackers and inflight may be
// nil.
func NewSessionHandler(sessions SessionRegistry, trackers QuotaSource, inflight *extraction.Inflight, secureCookie bool, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{sessions: sessions, trackers: trackers, inflight: inflight, secureCookie: secureCookie, logger: logger}
}

type sessionUser struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	AvatarURL string    `json:"avatarUrl,omitempty"`
	IsAdmin   bool      `json:"isAdmin"`
}

type sessionResponse struct {
	Authenticated bool         `json:"authenticated"`
	Status        auth.Status  `json:"status"`
	Loading       bool         `json:"loading"`
	Error         string       `json:"error,omitempty"`
	ExpiresAt     *time.Time   `json:"expiresAt,omitempty"`
	User          *sessionUser `json:"user,omitempty"`
}

// Status handles GET /api/session.
func (h *SessionHandler) Status(w http.ResponseWriter, r *http.Request) {
	manager := ManagerFromContext(r.Context())
	if manager == nil {
		writeJSON(w, http.StatusOK, sessionResponse{Status: auth.StatusInvalid})
		return
	}

	state := manager.Snapshot()
	resp := sessionResponse{
		Authenticated: state.Authenticated(manager.Now()),
		Status:        state.Status,
		Loading:       state.Loading,
		Error:         state.Error,
	}
	if resp.Authenticated {
		expiresAt := state.Session.ExpiresAt
		u := state.Session.User
		resp.ExpiresAt = &expiresAt
		resp.User = &sessionUser{
			ID:        u.ID,
			Email:     u.Email,
			Name:      u.Name,
			AvatarURL: u.AvatarURL,
			IsAdmin:   u.IsAdmin(),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Logout handles DELETE /api/session. It cancels the session's in-flight
// extractions, revokes the session and removes the cookie. The user's quota
// tracker is released once no other browser is signed in as that user.
func (h *SessionHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if manager := ManagerFromContext(r.Context()); manager != nil {
		key := manager.Key()
		userID := uuid.Nil
		if session := manager.Snapshot().Session; session != nil {
			userID = session.User.ID
		}
		if h.inflight != nil {
			if n := h.inflight.CancelOwner(key); n > 0 {
				h.logger.Info("cancelled extractions on sign out", "count", n)
			}
		}
		if err := manager.SignOut(r.Context()); err != nil {
			h.logger.Warn("sign out failed", "error", err)
		}
		if h.sessions != nil {
			h.sessions.Remove(key)
			if userID != uuid.Nil && h.trackers != nil && !h.sessions.SignedIn(userID) {
				h.trackers.Release(userID)
			}
		}
	}

	clearCookie := sessionCookie("", h.secureCookie)
	clearCookie.MaxAge = -1
	clearCookie.Expires = time.Unix(0, 0)

	http.SetCookie(w, clearCookie)
	w.WriteHeader(http.StatusNoContent)
}
