package http

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"recipereader/internal/auth"
)

// oauthStatePayload holds the CSRF state, the optional redirect path and the
// key of form input saved before sign-in.
type oauthStatePayload struct {
	State      string `json:"s"`
	RedirectTo string `json:"r,omitempty"`
	FormState  string `json:"f,omitempty"`
}

// isValidRedirectPath validates that a path is a safe relative redirect.
// It prevents open redirect attacks by ensuring the path:
// - Starts with a single "/" (not "//")
// - Has no scheme or host component
// - Cannot be bypassed via URL encoding
func isValidRedirectPath(path string) bool {
	if path == "" {
		return false
	}

	// Decode to catch encoded bypass attempts like /%2f%2f
	decoded, err := url.QueryUnescape(path)
	if err != nil {
		return false
	}

	// Must start with / but not //
	if !strings.HasPrefix(decoded, "/") || strings.HasPrefix(decoded, "//") || strings.HasPrefix(decoded, "/\\") {
		return false
	}

	// Parse as URL to ensure no scheme or host
	parsed, err := url.Parse(decoded)
	if err != nil {
		return false
	}

	// Reject if it has a scheme or host (would be absolute URL)
	if parsed.Scheme != "" || parsed.Host != "" {
		return false
	}

	return true
}

const (
	oauthStateCookieName = "recipereader_oauth_state"
	oauthStateCookieTTL  = 10 * time.Minute
	maxFormStateKeyLen   = 64
)

// OAuthHandler runs the identity provider redirect flow. Each sign-in
// attempt gets a fresh session key, so a key never outlives a change of
// identity.
type OAuthHandler struct {
	sessions     SessionRegistry
	logger       *slog.Logger
	secureCookie bool
	frontendURL  string
}

// NewOAuthHandler creates a new OAuthHandler. A nil registry disables
// sign-in.
func NewOAuthHandler(sessions SessionRegistry, frontendURL string, secureCookie bool, logger *slog.Logger) *OAuthHandler {
	return &OAuthHandler{
		sessions:     sessions,
		logger:       logger,
		secureCookie: secureCookie,
		frontendURL:  strings.TrimSuffix(frontendURL, "/"),
	}
}

// Initiate handles GET /api/auth/{provider}.
// Redirects the user to the provider's consent screen.
func (h *OAuthHandler) Initiate(w http.ResponseWriter, r *http.Request) {
	if h.sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "sign-in is not configured")
		return
	}
	provider := chi.URLParam(r, "provider")

	state, err := auth.GenerateState()
	if err != nil {
		h.logger.Error("failed to generate state", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	key, err := auth.NewSessionKey()
	if err != nil {
		h.logger.Error("failed to generate session key", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	// Preserve redirectTo and formState query params in state payload
	payload := oauthStatePayload{State: state}
	if redirectTo := r.URL.Query().Get("redirectTo"); isValidRedirectPath(redirectTo) {
		payload.RedirectTo = redirectTo
	}
	if formKey := strings.TrimSpace(r.URL.Query().Get("formState")); formKey != "" && len(formKey) <= maxFormStateKeyLen {
		payload.FormState = formKey
	}

	// Encode state as base64 JSON to avoid delimiter issues
	stateJSON, _ := json.Marshal(payload)
	fullState := base64.RawURLEncoding.EncodeToString(stateJSON)

	manager, err := h.sessions.Get(r.Context(), key)
	if err != nil {
		h.logger.Error("oauth initiate: session manager", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	authURL, err := manager.SignInWithOAuth(provider, fullState)
	if err != nil {
		h.sessions.Remove(key)
		if errors.Is(err, auth.ErrUnsupportedProvider) {
			writeError(w, http.StatusNotFound, "unknown identity provider")
			return
		}
		h.logger.Error("oauth initiate: auth url", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if previous, err := r.Cookie(sessionCookieName); err == nil && previous.Value != "" && previous.Value != key {
		h.sessions.Remove(previous.Value)
	}

	// Store state in cookie for CSRF protection
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookieName,
		Value:    state,
		Path:     "/api/auth",
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(oauthStateCookieTTL.Seconds()),
	})
	http.SetCookie(w, sessionCookie(key, h.secureCookie))

	http.Redirect(w, r, authURL, http.StatusTemporaryRedirect)
}

// Callback handles GET /api/auth/{provider}/callback.
// Exchanges the authorization code and makes the new session current.
func (h *OAuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	if h.sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "sign-in is not configured")
		return
	}
	provider := chi.URLParam(r, "provider")

	// Verify state (CSRF protection)
	stateCookie, err := r.Cookie(oauthStateCookieName)
	if err != nil {
		h.logger.Warn("oauth callback: missing state cookie")
		h.redirectWithError(w, r, "invalid_request", "Session expired. Please try again.")
		return
	}

	statePayload, ok := decodeOAuthState(r.URL.Query().Get("state"))
	if !ok {
		h.logger.Warn("oauth callback: invalid state")
		h.redirectWithError(w, r, "invalid_request", "Invalid state. Please try again.")
		return
	}

	if subtle.ConstantTimeCompare([]byte(statePayload.State), []byte(stateCookie.Value)) != 1 {
		h.logger.Warn("oauth callback: state mismatch")
		h.redirectWithError(w, r, "invalid_request", "Invalid state. Please try again.")
		return
	}

	// Clear state cookie
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookieName,
		Value:    "",
		Path:     "/api/auth",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookie,
	})

	// Check for OAuth error from the provider
	if errParam := r.URL.Query().Get("error"); errParam != "" {
		h.logger.Warn("oauth callback: provider error", "error", errParam)
		h.redirectWithError(w, r, errParam, r.URL.Query().Get("error_description"))
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		h.redirectWithError(w, r, "invalid_request", "Missing authorization code.")
		return
	}

	sessionKey, err := r.Cookie(sessionCookieName)
	if err != nil || sessionKey.Value == "" {
		h.logger.Warn("oauth callback: missing session cookie")
		h.redirectWithError(w, r, "invalid_request", "Session expired. Please try again.")
		return
	}

	manager, err := h.sessions.Get(r.Context(), sessionKey.Value)
	if err != nil {
		h.logger.Error("oauth callback: session manager", "error", err)
		h.redirectWithError(w, r, "internal_error", "Failed to create session.")
		return
	}

	ctx := auth.WithClientInfo(r.Context(), r.UserAgent(), clientIP(r))
	session, err := manager.CompleteSignIn(ctx, provider, code)
	if err != nil {
		h.signInFailed(w, r, err)
		return
	}

	h.logger.Info("oauth login successful", "user_id", session.User.ID, "admin", session.User.IsAdmin())

	http.SetCookie(w, sessionCookie(sessionKey.Value, h.secureCookie))
	http.Redirect(w, r, h.frontendURL+returnPath(statePayload), http.StatusTemporaryRedirect)
}

func (h *OAuthHandler) signInFailed(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrEmailNotVerified):
		h.logger.Warn("oauth callback: email not verified")
		h.redirectWithError(w, r, "email_not_verified", "Please verify your email address.")
	case errors.Is(err, auth.ErrEmailNotAllowed):
		h.logger.Warn("oauth callback: email not allowed")
		h.redirectWithError(w, r, "access_denied", "Your account is not authorized to access this application.")
	case errors.Is(err, auth.ErrUnsupportedProvider):
		h.redirectWithError(w, r, "invalid_request", "Unknown identity provider.")
	default:
		h.logger.Error("oauth callback: sign-in failed", "error", err)
		h.redirectWithError(w, r, "exchange_error", "Failed to complete authentication.")
	}
}

func decodeOAuthState(raw string) (oauthStatePayload, bool) {
	stateBytes, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return oauthStatePayload{}, false
	}
	var payload oauthStatePayload
	if err := json.Unmarshal(stateBytes, &payload); err != nil || payload.State == "" {
		return oauthStatePayload{}, false
	}
	return payload, true
}

// returnPath is the frontend path to land on after sign-in, carrying the
// form state key so the page can restore its input.
func returnPath(payload oauthStatePayload) string {
	target := "/"
	if isValidRedirectPath(payload.RedirectTo) {
		target = payload.RedirectTo
	}
	if payload.FormState == "" {
		return target
	}
	sep := "?"
	if strings.Contains(target, "?") {
		sep = "&"
	}
	return target + sep + "formState=" + url.QueryEscape(payload.FormState)
}

// redirectWithError redirects to the login page with error details.
func (h *OAuthHandler) redirectWithError(w http.ResponseWriter, r *http.Request, code, message string) {
	target := h.frontendURL + "/login?error=" + url.QueryEscape(code)
	if message != "" {
		target += "&message=" + url.QueryEscape(message)
	}
	http.Redirect(w, r, target, http.StatusTemporaryRedirect)
}
