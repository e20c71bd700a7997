package http

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"recipereader/internal/auth"
	"recipereader/internal/gate"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func newSlogMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r)
			duration := time.Since(start)
			logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", recorder.status,
				"duration", duration.String(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// SessionRegistry resolves browser session keys to session managers.
type SessionRegistry interface {
	Get(ctx context.Context, key string) (*auth.Manager, error)
	Remove(key string)
	SignedIn(userID uuid.UUID) bool
}

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const managerContextKey contextKey = "session-manager"

// ManagerFromContext returns the session manager resolved for the request,
// or nil when the request carries no session cookie.
func ManagerFromContext(ctx context.Context) *auth.Manager {
	m, _ := ctx.Value(managerContextKey).(*auth.Manager)
	return m
}

// authenticatedSession returns the session of the request when it is usable
// right now.
func authenticatedSession(ctx context.Context) *auth.Session {
	state := gate.AuthStateFrom(ManagerFromContext(ctx))
	if state == nil || !state.State.Authenticated(state.Now) {
		return nil
	}
	return state.Session()
}

// newSessionMiddleware attaches the manager of the session cookie. Requests
// without a cookie pass through unchanged; the gate and requireSession decide
// what an anonymous caller may do.
func newSessionMiddleware(sessions SessionRegistry, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if sessions == nil {
				next.ServeHTTP(w, r)
				return
			}
			cookie, err := r.Cookie(sessionCookieName)
			if err != nil || cookie.Value == "" {
				next.ServeHTTP(w, r)
				return
			}

			manager, err := sessions.Get(r.Context(), cookie.Value)
			if err != nil {
				logger.Warn("session lookup failed", "error", err)
				next.ServeHTTP(w, r)
				return
			}

			// An expired session gets its one refresh attempt before anything
			// decides on it, so a lapsed timer never forces a new sign-in.
			if state := manager.Snapshot(); state.Session != nil && !state.Session.Valid(manager.Now()) {
				manager.ValidateSession(r.Context())
			}

			ctx := context.WithValue(r.Context(), managerContextKey, manager)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// requireSession rejects requests without a usable session.
func requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if authenticatedSession(r.Context()) == nil {
			unauthorized(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeJSON(w, http.StatusUnauthorized, apiError{
		Error:  "authentication required",
		Kind:   kindAuthentication,
		Action: "sign_in",
	})
}

func newSecurityHeadersMiddleware(environment string) func(http.Handler) http.Handler {
	isDev := strings.EqualFold(environment, "development")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("X-XSS-Protection", "1; mode=block")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			w.Header().Set("Permissions-Policy", "geolocation=(), camera=(), microphone=()")

			if !isDev {
				w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientIP returns the request address without the port. RealIP has already
// replaced RemoteAddr when a trusted proxy header was present.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
