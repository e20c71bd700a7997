package recipes

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// InMemoryRepository stores saved recipes in an in-process map, for local
// development and tests.
type InMemoryRepository struct {
	mu   sync.RWMutex
	data map[uuid.UUID]SavedRecipe
}

// NewInMemoryRepository constructs a repository seeded with optional recipes.
func NewInMemoryRepository(initial []SavedRecipe) *InMemoryRepository {
	data := make(map[uuid.UUID]SavedRecipe, len(initial))
	for _, recipe := range initial {
		data[recipe.ID] = recipe
	}
	return &InMemoryRepository{data: data}
}

// Create stores a new recipe.
func (r *InMemoryRepository) Create(_ context.Context, recipe SavedRecipe) (SavedRecipe, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.data[recipe.ID] = recipe
	return recipe, nil
}

// Get returns a recipe by ID and owner.
func (r *InMemoryRepository) Get(_ context.Context, id, ownerID uuid.UUID) (SavedRecipe, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	recipe, ok := r.data[id]
	if !ok || recipe.OwnerID != ownerID {
		return SavedRecipe{}, ErrNotFound
	}
	return recipe, nil
}

// List returns the owner's recipes matching opts in no particular order.
func (r *InMemoryRepository) List(_ context.Context, ownerID uuid.UUID, opts ListOptions) ([]SavedRecipe, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]SavedRecipe, 0)
	for _, recipe := range r.data {
		if recipe.OwnerID != ownerID {
			continue
		}
		if opts.Favorites && !recipe.Favorite {
			continue
		}
		if opts.Status != nil && recipe.Status != *opts.Status {
			continue
		}
		list = append(list, recipe)
	}
	return list, nil
}

// Update replaces an existing recipe of the same owner.
func (r *InMemoryRepository) Update(_ context.Context, recipe SavedRecipe) (SavedRecipe, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.data[recipe.ID]
	if !ok || existing.OwnerID != recipe.OwnerID {
		return SavedRecipe{}, ErrNotFound
	}
	r.data[recipe.ID] = recipe
	return recipe, nil
}

// Delete removes a recipe by ID and owner.
func (r *InMemoryRepository) Delete(_ context.Context, id, ownerID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.data[id]
	if !ok || existing.OwnerID != ownerID {
		return ErrNotFound
	}
	delete(r.data, id)
	return nil
}
