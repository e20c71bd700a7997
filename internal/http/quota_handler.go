package http

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"recipereader/internal/quota"
)

// QuotaSource returns the shared tracker of a user and lets it go once the
// user has no session left.
type QuotaSource interface {
	For(ctx context.Context, userID uuid.UUID, isAdmin bool) (*quota.Tracker, error)
	Release(userID uuid.UUID)
}

// QuotaHandler exposes the caller's usage.
type QuotaHandler struct {
	trackers QuotaSource
	logger   *slog.Logger
}

// NewQuotaHandler creates a handler.
func NewQuotaHandler(trackers QuotaSource, logger *slog.Logger) *QuotaHandler {
	return &QuotaHandler{trackers: trackers, logger: logger}
}

// Get handles GET /api/quota. A failed read still answers with the fallback
// view, flagged as such.
func (h *QuotaHandler) Get(w http.ResponseWriter, r *http.Request) {
	session := authenticatedSession(r.Context())
	if session == nil {
		unauthorized(w)
		return
	}

	tracker, err := h.trackers.For(r.Context(), session.User.ID, session.User.IsAdmin())
	if tracker == nil {
		h.logger.Error("quota lookup failed", "user_id", session.User.ID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "quota unavailable")
		return
	}
	if err != nil {
		h.logger.Warn("quota read degraded", "user_id", session.User.ID, "error", err)
	}
	writeJSON(w, http.StatusOK, tracker.View())
}
