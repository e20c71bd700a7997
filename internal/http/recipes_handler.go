package http

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"recipereader/internal/exporter"
	"recipereader/internal/extraction"
	"recipereader/internal/importer"
	"recipereader/internal/recipes"
)

const (
	maxListLimit    = 500
	maxImportBytes  = 5 << 20
	importFormField = "file"
)

// RecipeHandler exposes the saved recipe history of the signed-in user.
type RecipeHandler struct {
	service  *recipes.Service
	exporter *exporter.CSVExporter
	importer *importer.CSVImporter
	logger   *slog.Logger
}

// NewRecipeHandler creates a handler.
func NewRecipeHandler(service *recipes.Service, csvExporter *exporter.CSVExporter, csvImporter *importer.CSVImporter, logger *slog.Logger) *RecipeHandler {
	return &RecipeHandler{service: service, exporter: csvExporter, importer: csvImporter, logger: logger}
}

type saveRecipeRequest struct {
	Recipe          extraction.Recipe `json:"recipe"`
	ConfidenceScore float64           `json:"confidenceScore"`
	ProcessingTime  float64           `json:"processingTime"`
	SourceType      extraction.Kind   `json:"sourceType"`
	SourceData      string            `json:"sourceData"`
	Favorite        bool              `json:"favorite"`
}

// List returns the caller's recipes.
func (h *RecipeHandler) List(w http.ResponseWriter, r *http.Request) {
	owner := authenticatedSession(r.Context()).User.ID

	opts, err := parseListOptions(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	list, err := h.service.List(r.Context(), owner, opts)
	if err != nil {
		handleServiceError(w, err, h.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recipes": list})
}

func parseListOptions(values url.Values) (recipes.ListOptions, error) {
	opts := recipes.ListOptions{}

	if rawFavorites := strings.TrimSpace(values.Get("favorites")); rawFavorites != "" {
		favorites, err := strconv.ParseBool(rawFavorites)
		if err != nil {
			return recipes.ListOptions{}, fmt.Errorf("invalid favorites filter")
		}
		opts.Favorites = favorites
	}

	if rawStatus := strings.TrimSpace(values.Get("status")); rawStatus != "" {
		status := recipes.Status(rawStatus)
		if !status.Valid() {
			return recipes.ListOptions{}, fmt.Errorf("invalid status filter")
		}
		opts.Status = &status
	}

	if rawLimit := strings.TrimSpace(values.Get("limit")); rawLimit != "" {
		limit, err := strconv.Atoi(rawLimit)
		if err != nil || limit <= 0 {
			return recipes.ListOptions{}, fmt.Errorf("limit must be a positive integer")
		}
		opts.Limit = min(limit, maxListLimit)
	}

	return opts, nil
}

// Create saves a recipe the user chose to keep.
func (h *RecipeHandler) Create(w http.ResponseWriter, r *http.Request) {
	owner := authenticatedSession(r.Context()).User.ID

	var req saveRecipeRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeJSONError(w, err)
		return
	}

	saved, err := h.service.Save(r.Context(), owner, recipes.SaveInput{
		Recipe:          req.Recipe,
		ConfidenceScore: req.ConfidenceScore,
		ProcessingTime:  req.ProcessingTime,
		SourceType:      req.SourceType,
		SourceData:      req.SourceData,
		Favorite:        req.Favorite,
	})
	if err != nil {
		handleServiceError(w, err, h.logger)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

// Get returns a single recipe.
func (h *RecipeHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "id")
	if !ok {
		return
	}
	owner := authenticatedSession(r.Context()).User.ID

	saved, err := h.service.Get(r.Context(), owner, id)
	if err != nil {
		handleServiceError(w, err, h.logger)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

// Delete removes a recipe.
func (h *RecipeHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "id")
	if !ok {
		return
	}
	owner := authenticatedSession(r.Context()).User.ID

	if err := h.service.Delete(r.Context(), owner, id); err != nil {
		handleServiceError(w, err, h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetFavorite handles PUT /api/recipes/{id}/favorite.
func (h *RecipeHandler) SetFavorite(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "id")
	if !ok {
		return
	}
	owner := authenticatedSession(r.Context()).User.ID

	var req struct {
		Favorite bool `json:"favorite"`
	}
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeJSONError(w, err)
		return
	}

	saved, err := h.service.SetFavorite(r.Context(), owner, id, req.Favorite)
	if err != nil {
		handleServiceError(w, err, h.logger)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

// UpdateStatus handles PUT /api/recipes/{id}/status.
func (h *RecipeHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "id")
	if !ok {
		return
	}
	owner := authenticatedSession(r.Context()).User.ID

	var req struct {
		Status recipes.Status `json:"status"`
	}
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeJSONError(w, err)
		return
	}

	saved, err := h.service.UpdateStatus(r.Context(), owner, id, req.Status)
	if err != nil {
		handleServiceError(w, err, h.logger)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

// Export streams the caller's recipes as a CSV attachment.
func (h *RecipeHandler) Export(w http.ResponseWriter, r *http.Request) {
	owner := authenticatedSession(r.Context()).User.ID

	opts, err := parseListOptions(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	list, err := h.service.List(r.Context(), owner, opts)
	if err != nil {
		handleServiceError(w, err, h.logger)
		return
	}

	filename := fmt.Sprintf("recipes-%s.csv", time.Now().UTC().Format("20060102"))
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)

	if err := h.exporter.Export(w, list); err != nil {
		h.logger.Error("export recipes", "user_id", owner, "error", err)
	}
}

// Import handles POST /api/recipes/import. The CSV is sent either as the
// "file" part of a multipart form or as the raw request body.
func (h *RecipeHandler) Import(w http.ResponseWriter, r *http.Request) {
	owner := authenticatedSession(r.Context()).User.ID
	r.Body = http.MaxBytesReader(w, r.Body, maxImportBytes)

	var source io.Reader = r.Body
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		file, _, err := r.FormFile(importFormField)
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				writeError(w, http.StatusRequestEntityTooLarge, "file too large")
				return
			}
			writeError(w, http.StatusBadRequest, "file is required")
			return
		}
		defer file.Close()
		source = file
	}

	summary, err := h.importer.Import(r.Context(), source, owner)
	if err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
		case errors.Is(err, importer.ErrInvalidCSV):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			handleServiceError(w, err, h.logger)
		}
		return
	}

	h.logger.Info("recipes imported", "user_id", owner, "imported", summary.Imported, "rows", summary.TotalRows)
	writeJSON(w, http.StatusOK, summary)
}

func parseUUIDParam(w http.ResponseWriter, r *http.Request, key string) (uuid.UUID, bool) {
	value := chi.URLParam(r, key)
	id, err := uuid.Parse(value)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

func handleServiceError(w http.ResponseWriter, err error, logger *slog.Logger) {
	if errors.Is(err, recipes.ErrNotFound) {
		writeError(w, http.StatusNotFound, "recipe not found")
		return
	}
	if errors.Is(err, recipes.ErrValidation) {
		writeAPIError(w, err, logger)
		return
	}
	logger.Error("service error", "error", err)
	writeError(w, http.StatusInternalServerError, "unexpected error")
}
