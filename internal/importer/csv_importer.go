// Package importer restores saved recipes from the CSV history export.
package importer

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"recipereader/internal/extraction"
	"recipereader/internal/recipes"
)

// RecipeStore saves and lists the recipes of one owner.
type RecipeStore interface {
	Save(ctx context.Context, ownerID uuid.UUID, input recipes.SaveInput) (recipes.SavedRecipe, error)
	List(ctx context.Context, ownerID uuid.UUID, opts recipes.ListOptions) ([]recipes.SavedRecipe, error)
}

type Summary struct {
	TotalRows         int             `json:"totalRows"`
	Imported          int             `json:"imported"`
	SkippedDuplicates []SkippedRecord `json:"skippedDuplicates"`
	Failed            []FailedRecord  `json:"failed"`
	TruncatedRecords  bool            `json:"truncatedRecords,omitempty"`
}

type SkippedRecord struct {
	Row    int    `json:"row"`
	Name   string `json:"name,omitempty"`
	Reason string `json:"reason"`
}

type FailedRecord struct {
	Row   int    `json:"row"`
	Name  string `json:"name,omitempty"`
	Error string `json:"error"`
}

var ErrInvalidCSV = errors.New("invalid csv upload")

// MaxImportRows limits the number of data rows processed per CSV import to
// prevent excessive memory usage and long-running requests.
const MaxImportRows = 1000

// MaxFailedRecords caps the number of failed/skipped records stored in the
// summary to avoid unbounded memory growth from malformed uploads.
const MaxFailedRecords = 100

// supportedSchema is the export format version this importer reads.
const supportedSchema = "1"

const listSeparator = "|"

var requiredColumns = []string{
	"name",
	"ingredients",
}

type CSVImporter struct {
	recipes RecipeStore
}

func NewCSVImporter(store RecipeStore) *CSVImporter {
	return &CSVImporter{recipes: store}
}

// Import saves every valid row for ownerID. Rows matching an existing
// recipe by name and source are skipped.
func (i *CSVImporter) Import(ctx context.Context, reader io.Reader, ownerID uuid.UUID) (Summary, error) {
	if i.recipes == nil {
		return Summary{}, fmt.Errorf("%w: recipe store is not configured", ErrInvalidCSV)
	}

	existing, err := i.recipes.List(ctx, ownerID, recipes.ListOptions{})
	if err != nil {
		return Summary{}, err
	}

	tracker := newDuplicateTracker(existing)

	csvReader := csv.NewReader(reader)
	csvReader.FieldsPerRecord = -1
	csvReader.TrimLeadingSpace = true

	header, err := csvReader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Summary{}, fmt.Errorf("%w: file is empty", ErrInvalidCSV)
		}
		return Summary{}, fmt.Errorf("%w: failed to read header", ErrInvalidCSV)
	}

	columns, err := normalizeHeader(header)
	if err != nil {
		return Summary{}, err
	}

	type parsedRow struct {
		number int
		values map[string]string
	}

	var rows []parsedRow
	rowNumber := 1
	totalRows := 0

	for {
		record, err := csvReader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return Summary{}, fmt.Errorf("%w: failed to read row %d", ErrInvalidCSV, rowNumber+1)
		}
		rowNumber++
		values := mapRecord(columns, record)
		if isRowEmpty(values) {
			continue
		}

		totalRows++
		if totalRows > MaxImportRows {
			return Summary{}, fmt.Errorf("%w: CSV exceeds maximum of %d rows", ErrInvalidCSV, MaxImportRows)
		}

		rows = append(rows, parsedRow{number: rowNumber, values: values})
	}

	summary := Summary{TotalRows: totalRows}

	fail := func(row int, name, msg string) {
		if len(summary.Failed) < MaxFailedRecords {
			summary.Failed = append(summary.Failed, FailedRecord{Row: row, Name: name, Error: msg})
		} else {
			summary.TruncatedRecords = true
		}
	}

	for _, row := range rows {
		input, rowErr := buildInput(row.values)
		if rowErr != nil {
			fail(row.number, row.values["name"], rowErr.Error())
			continue
		}

		if tracker.Check(input) {
			if len(summary.SkippedDuplicates) < MaxFailedRecords {
				summary.SkippedDuplicates = append(summary.SkippedDuplicates, SkippedRecord{
					Row:    row.number,
					Name:   input.Recipe.Name,
					Reason: "duplicate recipe",
				})
			} else {
				summary.TruncatedRecords = true
			}
			continue
		}

		if _, err := i.recipes.Save(ctx, ownerID, input); err != nil {
			fail(row.number, input.Recipe.Name, err.Error())
			continue
		}

		tracker.Add(input.Recipe.Name, input.SourceData)
		summary.Imported++
	}

	return summary, nil
}

func buildInput(values map[string]string) (recipes.SaveInput, error) {
	if version := values["schemaversion"]; version != "" && version != supportedSchema {
		return recipes.SaveInput{}, fmt.Errorf("schemaVersion %s is not supported", version)
	}

	name := values["name"]
	if name == "" {
		return recipes.SaveInput{}, fmt.Errorf("name is required")
	}

	ingredients := parseIngredients(values["ingredients"])
	if len(ingredients) == 0 {
		return recipes.SaveInput{}, fmt.Errorf("at least one ingredient is required")
	}

	recipe := extraction.Recipe{
		Name:           name,
		Description:    values["description"],
		Category:       values["category"],
		Difficulty:     values["difficulty"],
		Ingredients:    ingredients,
		Instructions:   splitList(values["instructions"]),
		Tags:           splitList(values["tags"]),
		MainIngredient: values["mainingredient"],
	}

	var err error
	if recipe.PrepTime, err = parseOptionalInt(values["preptime"], "prepTime"); err != nil {
		return recipes.SaveInput{}, err
	}
	if recipe.CookTime, err = parseOptionalInt(values["cooktime"], "cookTime"); err != nil {
		return recipes.SaveInput{}, err
	}
	if recipe.TotalTime, err = parseOptionalInt(values["totaltime"], "totalTime"); err != nil {
		return recipes.SaveInput{}, err
	}
	if recipe.Servings, err = parseOptionalInt(values["servings"], "servings"); err != nil {
		return recipes.SaveInput{}, err
	}

	sourceType := extraction.Kind(strings.ToLower(values["sourcetype"]))
	switch sourceType {
	case "":
		sourceType = extraction.KindText
	case extraction.KindText, extraction.KindURL, extraction.KindImage:
	default:
		return recipes.SaveInput{}, fmt.Errorf("sourceType must be one of text, url, or image")
	}

	favorite := false
	if raw := values["favorite"]; raw != "" {
		if favorite, err = strconv.ParseBool(raw); err != nil {
			return recipes.SaveInput{}, fmt.Errorf("favorite must be true or false")
		}
	}

	confidence, err := parseOptionalScore(values["confidencescore"])
	if err != nil {
		return recipes.SaveInput{}, err
	}

	return recipes.SaveInput{
		Recipe:          recipe,
		ConfidenceScore: confidence,
		SourceType:      sourceType,
		SourceData:      values["sourcedata"],
		Favorite:        favorite,
	}, nil
}

// parseIngredients reads "amount unit item" entries. A leading token with a
// digit is taken as the amount; the rest is kept as the item.
func parseIngredients(value string) []extraction.Ingredient {
	var list []extraction.Ingredient
	for _, entry := range splitList(value) {
		fields := strings.Fields(entry)
		ing := extraction.Ingredient{Item: entry}
		if len(fields) > 1 && strings.IndexFunc(fields[0], unicode.IsDigit) >= 0 {
			ing.Amount = fields[0]
			ing.Item = strings.Join(fields[1:], " ")
		}
		list = append(list, ing)
	}
	return list
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, listSeparator) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func normalizeHeader(header []string) (map[int]string, error) {
	columns := make(map[int]string, len(header))
	seen := map[string]bool{}
	for idx, raw := range header {
		cleaned := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(raw, "\ufeff")))
		if cleaned == "" {
			continue
		}
		columns[idx] = cleaned
		seen[cleaned] = true
	}

	missing := make([]string, 0)
	for _, column := range requiredColumns {
		if !seen[column] {
			missing = append(missing, column)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing required columns: %s", ErrInvalidCSV, strings.Join(missing, ", "))
	}
	return columns, nil
}

func mapRecord(columns map[int]string, record []string) map[string]string {
	values := make(map[string]string, len(columns))
	for idx, column := range columns {
		if idx >= len(record) {
			values[column] = ""
			continue
		}
		values[column] = strings.TrimSpace(record[idx])
	}
	return values
}

func isRowEmpty(values map[string]string) bool {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return false
		}
	}
	return true
}

func parseOptionalInt(value string, field string) (*int, error) {
	cleaned := strings.TrimSpace(value)
	if cleaned == "" {
		return nil, nil
	}
	parsed, err := strconv.Atoi(cleaned)
	if err != nil {
		return nil, fmt.Errorf("%s must be a number", field)
	}
	if parsed <= 0 {
		return nil, fmt.Errorf("%s must be positive", field)
	}
	return &parsed, nil
}

func parseOptionalScore(value string) (float64, error) {
	cleaned := strings.TrimSpace(value)
	if cleaned == "" {
		return 0, nil
	}
	parsed, err := strconv.ParseFloat(cleaned, 64)
	if err != nil || parsed < 0 || parsed > 1 {
		return 0, fmt.Errorf("confidenceScore must be between 0 and 1")
	}
	return parsed, nil
}

type duplicateTracker struct {
	known map[string]struct{}
}

func newDuplicateTracker(existing []recipes.SavedRecipe) *duplicateTracker {
	tracker := &duplicateTracker{known: map[string]struct{}{}}
	for _, saved := range existing {
		tracker.Add(saved.Recipe.Name, saved.SourceData)
	}
	return tracker
}

func duplicateKey(name, source string) string {
	return strings.ToLower(strings.TrimSpace(name)) + "\x00" + strings.TrimSpace(source)
}

func (t *duplicateTracker) Check(input recipes.SaveInput) bool {
	_, ok := t.known[duplicateKey(input.Recipe.Name, input.SourceData)]
	return ok
}

func (t *duplicateTracker) Add(name, source string) {
	t.known[duplicateKey(name, source)] = struct{}{}
}
