package exporter

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"recipereader/internal/extraction"
	"recipereader/internal/recipes"
)

// SchemaVersion identifies the CSV export format version. Increment it when
// columns are added or their meaning changes.
const SchemaVersion = "1"

// listSeparator joins multi-valued cells such as ingredients and steps.
const listSeparator = " | "

var csvColumns = []string{
	"schemaVersion",
	"name",
	"description",
	"category",
	"difficulty",
	"prepTime",
	"cookTime",
	"totalTime",
	"servings",
	"ingredients",
	"instructions",
	"tags",
	"mainIngredient",
	"sourceType",
	"sourceData",
	"status",
	"favorite",
	"confidenceScore",
	"createdAt",
	"updatedAt",
}

// CSVExporter writes saved recipes as CSV.
type CSVExporter struct{}

// NewCSVExporter creates a new CSV exporter.
func NewCSVExporter() *CSVExporter {
	return &CSVExporter{}
}

// Export writes the header and one row per recipe to w.
func (e *CSVExporter) Export(w io.Writer, list []recipes.SavedRecipe) error {
	writer := csv.NewWriter(w)
	defer writer.Flush()

	if err := writer.Write(csvColumns); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, saved := range list {
		if err := writer.Write(e.recipeToRow(saved)); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	return writer.Error()
}

func (e *CSVExporter) recipeToRow(saved recipes.SavedRecipe) []string {
	r := saved.Recipe
	return []string{
		SchemaVersion,
		r.Name,
		r.Description,
		r.Category,
		r.Difficulty,
		formatPositiveInt(r.PrepTime),
		formatPositiveInt(r.CookTime),
		formatPositiveInt(r.TotalTime),
		formatPositiveInt(r.Servings),
		formatIngredients(r.Ingredients),
		formatInstructions(r),
		strings.Join(r.Tags, listSeparator),
		r.MainIngredient,
		string(saved.SourceType),
		saved.SourceData,
		string(saved.Status),
		strconv.FormatBool(saved.Favorite),
		strconv.FormatFloat(saved.ConfidenceScore, 'f', 2, 64),
		formatTime(saved.CreatedAt),
		formatTime(saved.UpdatedAt),
	}
}

func formatPositiveInt(value *int) string {
	if value == nil || *value <= 0 {
		return ""
	}
	return strconv.Itoa(*value)
}

func formatIngredients(list []extraction.Ingredient) string {
	parts := make([]string, 0, len(list))
	for _, ing := range list {
		fields := make([]string, 0, 3)
		for _, f := range []string{ing.Amount, ing.Unit, ing.Item} {
			if f = strings.TrimSpace(f); f != "" {
				fields = append(fields, f)
			}
		}
		if len(fields) > 0 {
			parts = append(parts, strings.Join(fields, " "))
		}
	}
	return strings.Join(parts, listSeparator)
}

// formatInstructions flattens staged instructions as "Stage: step".
func formatInstructions(r extraction.Recipe) string {
	if len(r.Stages) == 0 {
		return strings.Join(r.Instructions, listSeparator)
	}
	var steps []string
	for _, stage := range r.Stages {
		for _, step := range stage.Instructions {
			if stage.Title != "" {
				step = stage.Title + ": " + step
			}
			steps = append(steps, step)
		}
	}
	return strings.Join(steps, listSeparator)
}

func formatTime(value time.Time) string {
	if value.IsZero() {
		return ""
	}
	return value.UTC().Format(time.RFC3339)
}
