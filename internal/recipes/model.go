// Package recipes persists extraction results a user chose to keep.
package recipes

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"recipereader/internal/extraction"
)

// ErrNotFound is returned when a saved recipe cannot be located for its owner.
var ErrNotFound = errors.New("recipe not found")

// ErrValidation is returned when input validation fails.
var ErrValidation = errors.New("validation error")

// ValidationError wraps a validation message so callers can distinguish
// client errors from internal failures.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// Status tracks a saved recipe through its lifecycle.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusProcessed  Status = "processed"
	StatusSaved      Status = "saved"
	StatusShared     Status = "shared"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusProcessing, StatusProcessed, StatusSaved, StatusShared, StatusFailed:
		return true
	default:
		return false
	}
}

// SavedRecipe is an extraction result stored for one owner.
type SavedRecipe struct {
	ID              uuid.UUID         `json:"id"`
	OwnerID         uuid.UUID         `json:"-"`
	Recipe          extraction.Recipe `json:"recipe"`
	ConfidenceScore float64           `json:"confidenceScore"`
	ProcessingTime  float64           `json:"processingTime"`
	SourceType      extraction.Kind   `json:"sourceType"`
	SourceData      string            `json:"sourceData"`
	Status          Status            `json:"status"`
	Favorite        bool              `json:"favorite"`
	Failure         string            `json:"failure,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
}

// RecordInput describes a finished extraction to add to the history. A nil
// Result or a non-empty Failure records a failed attempt.
type RecordInput struct {
	SourceType extraction.Kind
	SourceData string
	Result     *extraction.Result
	Failure    string
}

// SaveInput captures a recipe the user saves explicitly, possibly after
// editing the extracted fields.
type SaveInput struct {
	Recipe          extraction.Recipe
	ConfidenceScore float64
	ProcessingTime  float64
	SourceType      extraction.Kind
	SourceData      string
	Favorite        bool
}

// ListOptions describes filters for listing saved recipes.
type ListOptions struct {
	Favorites bool
	Status    *Status
	Limit     int
}

// Repository defines persistence operations for saved recipes. Every call is
// scoped to the owner.
type Repository interface {
	Create(ctx context.Context, recipe SavedRecipe) (SavedRecipe, error)
	Get(ctx context.Context, id, ownerID uuid.UUID) (SavedRecipe, error)
	List(ctx context.Context, ownerID uuid.UUID, opts ListOptions) ([]SavedRecipe, error)
	Update(ctx context.Context, recipe SavedRecipe) (SavedRecipe, error)
	Delete(ctx context.Context, id, ownerID uuid.UUID) error
}
