package recipes

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"recipereader/internal/extraction"
)

// PostgresRepository persists saved recipes to Postgres. The recipe body is
// stored as JSONB.
type PostgresRepository struct {
	db *sqlx.DB
}

// NewPostgresRepository constructs a repository backed by sqlx.
func NewPostgresRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const baseSelect = `
SELECT
    id,
    owner_id,
    name,
    recipe,
    confidence_score,
    processing_time,
    source_type,
    source_data,
    status,
    favorite,
    failure,
    created_at,
    updated_at
FROM saved_recipes
`

// recipeDocument maps the JSONB recipe column.
type recipeDocument extraction.Recipe

func (d recipeDocument) Value() (driver.Value, error) {
	raw, err := json.Marshal(extraction.Recipe(d))
	if err != nil {
		return nil, fmt.Errorf("encode recipe: %w", err)
	}
	return raw, nil
}

func (d *recipeDocument) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	case nil:
		*d = recipeDocument{}
		return nil
	default:
		return fmt.Errorf("scan recipe: unsupported type %T", src)
	}
	var recipe extraction.Recipe
	if err := json.Unmarshal(raw, &recipe); err != nil {
		return fmt.Errorf("decode recipe: %w", err)
	}
	*d = recipeDocument(recipe)
	return nil
}

type recipeRow struct {
	ID              uuid.UUID      `db:"id"`
	OwnerID         uuid.UUID      `db:"owner_id"`
	Name            string         `db:"name"`
	Recipe          recipeDocument `db:"recipe"`
	ConfidenceScore float64        `db:"confidence_score"`
	ProcessingTime  float64        `db:"processing_time"`
	SourceType      string         `db:"source_type"`
	SourceData      string         `db:"source_data"`
	Status          string         `db:"status"`
	Favorite        bool           `db:"favorite"`
	Failure         string         `db:"failure"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

func rowFrom(r SavedRecipe) recipeRow {
	return recipeRow{
		ID:              r.ID,
		OwnerID:         r.OwnerID,
		Name:            r.Recipe.Name,
		Recipe:          recipeDocument(r.Recipe),
		ConfidenceScore: r.ConfidenceScore,
		ProcessingTime:  r.ProcessingTime,
		SourceType:      string(r.SourceType),
		SourceData:      r.SourceData,
		Status:          string(r.Status),
		Favorite:        r.Favorite,
		Failure:         r.Failure,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

func (row recipeRow) toRecipe() SavedRecipe {
	return SavedRecipe{
		ID:              row.ID,
		OwnerID:         row.OwnerID,
		Recipe:          extraction.Recipe(row.Recipe),
		ConfidenceScore: row.ConfidenceScore,
		ProcessingTime:  row.ProcessingTime,
		SourceType:      extraction.Kind(row.SourceType),
		SourceData:      row.SourceData,
		Status:          Status(row.Status),
		Favorite:        row.Favorite,
		Failure:         row.Failure,
		CreatedAt:       row.CreatedAt,
		UpdatedAt:       row.UpdatedAt,
	}
}

// Create inserts a new row and returns the stored representation.
func (r *PostgresRepository) Create(ctx context.Context, recipe SavedRecipe) (SavedRecipe, error) {
	insert := `INSERT INTO saved_recipes (id, owner_id, name, recipe, confidence_score, processing_time, source_type, source_data, status, favorite, failure, created_at, updated_at)
VALUES (:id, :owner_id, :name, :recipe, :confidence_score, :processing_time, :source_type, :source_data, :status, :favorite, :failure, :created_at, :updated_at)`

	if _, err := r.db.NamedExecContext(ctx, insert, rowFrom(recipe)); err != nil {
		return SavedRecipe{}, fmt.Errorf("insert recipe: %w", err)
	}
	return r.Get(ctx, recipe.ID, recipe.OwnerID)
}

// Get retrieves a row by primary key and owner.
func (r *PostgresRepository) Get(ctx context.Context, id, ownerID uuid.UUID) (SavedRecipe, error) {
	var row recipeRow
	if err := r.db.GetContext(ctx, &row, baseSelect+" WHERE id = $1 AND owner_id = $2", id, ownerID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SavedRecipe{}, ErrNotFound
		}
		return SavedRecipe{}, fmt.Errorf("get recipe: %w", err)
	}
	return row.toRecipe(), nil
}

// List returns the owner's rows ordered by creation timestamp descending.
func (r *PostgresRepository) List(ctx context.Context, ownerID uuid.UUID, opts ListOptions) ([]SavedRecipe, error) {
	clauses := []string{"owner_id = $1"}
	args := []any{ownerID}

	if opts.Favorites {
		clauses = append(clauses, "favorite")
	}
	if opts.Status != nil {
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)+1))
		args = append(args, string(*opts.Status))
	}

	query := baseSelect + " WHERE " + strings.Join(clauses, " AND ") + " ORDER BY created_at DESC, name ASC"
	if opts.Limit > 0 {
		query = fmt.Sprintf("%s LIMIT %d", query, opts.Limit)
	}

	rows := []recipeRow{}
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list recipes: %w", err)
	}

	list := make([]SavedRecipe, 0, len(rows))
	for _, row := range rows {
		list = append(list, row.toRecipe())
	}
	return list, nil
}

// Update modifies an existing row of the same owner.
func (r *PostgresRepository) Update(ctx context.Context, recipe SavedRecipe) (SavedRecipe, error) {
	query := `UPDATE saved_recipes
SET name = :name,
    recipe = :recipe,
    status = :status,
    favorite = :favorite,
    failure = :failure,
    updated_at = :updated_at
WHERE id = :id AND owner_id = :owner_id`

	result, err := r.db.NamedExecContext(ctx, query, rowFrom(recipe))
	if err != nil {
		return SavedRecipe{}, fmt.Errorf("update recipe: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return SavedRecipe{}, ErrNotFound
	}
	return r.Get(ctx, recipe.ID, recipe.OwnerID)
}

// Delete removes a row by primary key and owner.
func (r *PostgresRepository) Delete(ctx context.Context, id, ownerID uuid.UUID) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM saved_recipes WHERE id = $1 AND owner_id = $2", id, ownerID)
	if err != nil {
		return fmt.Errorf("delete recipe: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete recipe: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
