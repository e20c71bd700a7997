package http

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"recipereader/internal/formstate"
)

// FormStateHandler saves unsubmitted form input across the sign-in redirect.
type FormStateHandler struct {
	store  *formstate.Store
	logger *slog.Logger
}

// NewFormStateHandler creates a handler.
func NewFormStateHandler(store *formstate.Store, logger *slog.Logger) *FormStateHandler {
	return &FormStateHandler{store: store, logger: logger}
}

type formStateRequest struct {
	Form     string            `json:"form"`
	Fields   map[string]string `json:"fields"`
	ReturnTo string            `json:"returnTo,omitempty"`
}

// Save handles POST /api/form-state and answers with the key to restore it.
func (h *FormStateHandler) Save(w http.ResponseWriter, r *http.Request) {
	var req formStateRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeJSONError(w, err)
		return
	}
	req.Form = strings.TrimSpace(req.Form)
	if req.Form == "" {
		writeError(w, http.StatusBadRequest, "form is required")
		return
	}
	if req.ReturnTo != "" && !isValidRedirectPath(req.ReturnTo) {
		writeError(w, http.StatusBadRequest, "returnTo must be a relative path")
		return
	}

	key, err := formstate.NewKey()
	if err != nil {
		h.logger.Error("form state key", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if err := h.store.Put(key, formstate.State{Form: req.Form, Fields: req.Fields, ReturnTo: req.ReturnTo}); err != nil {
		writeAPIError(w, err, h.logger)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"key": key})
}

// Restore handles GET /api/form-state?key=. State is returned once.
func (h *FormStateHandler) Restore(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.URL.Query().Get("key"))
	if key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}
	state, err := h.store.Take(key)
	if errors.Is(err, formstate.ErrNotFound) {
		writeError(w, http.StatusNotFound, "form state not found")
		return
	}
	if err != nil {
		writeAPIError(w, err, h.logger)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// Discard handles DELETE /api/form-state/{key}.
func (h *FormStateHandler) Discard(w http.ResponseWriter, r *http.Request) {
	h.store.Discard(chi.URLParam(r, "key"))
	w.WriteHeader(http.StatusNoContent)
}
