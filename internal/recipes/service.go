package recipes

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"recipereader/internal/extraction"
)

const (
	maxSourceDataLength = 30000
	maxListLimit        = 500
)

// Service orchestrates validation and persistence for saved recipes.
type Service struct {
	repo Repository
	now  func() time.Time
}

// NewService wires a Service with the provided repository.
func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: func() time.Time { return time.Now().UTC() }}
}

// Record adds a finished extraction to the owner's history. Successful
// results are stored as processed, failures as failed.
func (s *Service) Record(ctx context.Context, ownerID uuid.UUID, input RecordInput) (SavedRecipe, error) {
	if ownerID == uuid.Nil {
		return SavedRecipe{}, validationErr("owner is required")
	}
	if err := validateSource(input.SourceType); err != nil {
		return SavedRecipe{}, err
	}

	now := s.now()
	recipe := SavedRecipe{
		ID:         uuid.New(),
		OwnerID:    ownerID,
		SourceType: input.SourceType,
		SourceData: truncate(strings.TrimSpace(input.SourceData), maxSourceDataLength),
		Status:     StatusProcessed,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if input.Result != nil {
		if input.Result.Recipe != nil {
			recipe.Recipe = *input.Result.Recipe
		}
		recipe.ConfidenceScore = input.Result.ConfidenceScore
		recipe.ProcessingTime = input.Result.ProcessingTime
	}
	if input.Result == nil || input.Result.Recipe == nil || input.Failure != "" {
		recipe.Status = StatusFailed
		recipe.Failure = strings.TrimSpace(input.Failure)
	}

	return s.repo.Create(ctx, recipe)
}

// Save stores a recipe the user chose to keep.
func (s *Service) Save(ctx context.Context, ownerID uuid.UUID, input SaveInput) (SavedRecipe, error) {
	if ownerID == uuid.Nil {
		return SavedRecipe{}, validationErr("owner is required")
	}
	if err := validateSource(input.SourceType); err != nil {
		return SavedRecipe{}, err
	}
	input.Recipe.Name = strings.TrimSpace(input.Recipe.Name)
	if input.Recipe.Name == "" {
		return SavedRecipe{}, validationErr("recipe name is required")
	}
	if len(input.Recipe.Ingredients) == 0 {
		return SavedRecipe{}, validationErr("recipe needs at least one ingredient")
	}

	now := s.now()
	return s.repo.Create(ctx, SavedRecipe{
		ID:              uuid.New(),
		OwnerID:         ownerID,
		Recipe:          input.Recipe,
		ConfidenceScore: input.ConfidenceScore,
		ProcessingTime:  input.ProcessingTime,
		SourceType:      input.SourceType,
		SourceData:      truncate(strings.TrimSpace(input.SourceData), maxSourceDataLength),
		Status:          StatusSaved,
		Favorite:        input.Favorite,
		CreatedAt:       now,
		UpdatedAt:       now,
	})
}

// Get retrieves a saved recipe of ownerID.
func (s *Service) Get(ctx context.Context, ownerID, id uuid.UUID) (SavedRecipe, error) {
	return s.repo.Get(ctx, id, ownerID)
}

// List returns the owner's recipes, newest first.
func (s *Service) List(ctx context.Context, ownerID uuid.UUID, opts ListOptions) ([]SavedRecipe, error) {
	if opts.Status != nil && !opts.Status.Valid() {
		return nil, validationErr(fmt.Sprintf("unknown status %q", *opts.Status))
	}
	if opts.Limit <= 0 || opts.Limit > maxListLimit {
		opts.Limit = maxListLimit
	}

	list, err := s.repo.List(ctx, ownerID, opts)
	if err != nil {
		return nil, err
	}

	slices.SortFunc(list, compareByCreatedDesc)
	if len(list) > opts.Limit {
		list = list[:opts.Limit]
	}
	return list, nil
}

// SetFavorite marks or unmarks a recipe as favorite.
func (s *Service) SetFavorite(ctx context.Context, ownerID, id uuid.UUID, favorite bool) (SavedRecipe, error) {
	existing, err := s.repo.Get(ctx, id, ownerID)
	if err != nil {
		return SavedRecipe{}, err
	}
	existing.Favorite = favorite
	existing.UpdatedAt = s.now()
	return s.repo.Update(ctx, existing)
}

// UpdateStatus moves a recipe to status.
func (s *Service) UpdateStatus(ctx context.Context, ownerID, id uuid.UUID, status Status) (SavedRecipe, error) {
	if !status.Valid() {
		return SavedRecipe{}, validationErr("status must be one of processing, processed, saved, shared, or failed")
	}

	existing, err := s.repo.Get(ctx, id, ownerID)
	if err != nil {
		return SavedRecipe{}, err
	}
	existing.Status = status
	if status != StatusFailed {
		existing.Failure = ""
	}
	existing.UpdatedAt = s.now()
	return s.repo.Update(ctx, existing)
}

// Delete removes a recipe of ownerID.
func (s *Service) Delete(ctx context.Context, ownerID, id uuid.UUID) error {
	return s.repo.Delete(ctx, id, ownerID)
}

func validationErr(msg string) error {
	return &ValidationError{Message: msg}
}

func validateSource(kind extraction.Kind) error {
	switch kind {
	case extraction.KindText, extraction.KindURL, extraction.KindImage:
		return nil
	default:
		return validationErr("sourceType must be one of text, url, or image")
	}
}

func compareByCreatedDesc(a, b SavedRecipe) int {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return strings.Compare(a.Recipe.Name, b.Recipe.Name)
	}
	if a.CreatedAt.After(b.CreatedAt) {
		return -1
	}
	return 1
}

func truncate(s string, maxRunes int) string {
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	return string(runes[:maxRunes])
}
