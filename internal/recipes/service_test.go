package recipes

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"recipereader/internal/extraction"
)

var testOwnerID = uuid.MustParse("6f1c2d9e-3b41-4a7e-9d7f-0c5e8f0a1b23")

func newTestService() (*Service, *time.Time) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := NewService(NewInMemoryRepository(nil))
	svc.now = func() time.Time { return now }
	return svc, &now
}

func sampleResult() *extraction.Result {
	return &extraction.Result{
		Recipe: &extraction.Recipe{
			Name:         "Shakshuka",
			Ingredients:  []extraction.Ingredient{{Item: "eggs", Amount: "4"}},
			Instructions: []string{"Simmer the sauce.", "Poach the eggs."},
		},
		ConfidenceScore: 0.92,
		ProcessingTime:  2.5,
	}
}

func TestServiceRecordStoresProcessedResult(t *testing.T) {
	svc, _ := newTestService()

	saved, err := svc.Record(context.Background(), testOwnerID, RecordInput{
		SourceType: extraction.KindText,
		SourceData: "  4 eggs, tomatoes  ",
		Result:     sampleResult(),
	})
	if err != nil {
		t.Fatalf("record failed: %v", err)
	}

	if saved.ID == uuid.Nil {
		t.Fatalf("expected id to be set")
	}
	if saved.Status != StatusProcessed {
		t.Fatalf("expected processed status, got %q", saved.Status)
	}
	if saved.SourceData != "4 eggs, tomatoes" {
		t.Fatalf("expected trimmed source data, got %q", saved.SourceData)
	}
	if saved.Recipe.Name != "Shakshuka" || saved.ConfidenceScore != 0.92 {
		t.Fatalf("expected result fields to be copied, got %+v", saved)
	}
}

func TestServiceRecordFailure(t *testing.T) {
	svc, _ := newTestService()

	saved, err := svc.Record(context.Background(), testOwnerID, RecordInput{
		SourceType: extraction.KindImage,
		SourceData: "2 images",
		Result:     sampleResult(),
		Failure:    "confidence too low",
	})
	if err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if saved.Status != StatusFailed || saved.Failure != "confidence too low" {
		t.Fatalf("expected failed entry, got status %q failure %q", saved.Status, saved.Failure)
	}
}

func TestServiceRecordValidatesInput(t *testing.T) {
	svc, _ := newTestService()

	if _, err := svc.Record(context.Background(), uuid.Nil, RecordInput{SourceType: extraction.KindText}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for missing owner, got %v", err)
	}
	if _, err := svc.Record(context.Background(), testOwnerID, RecordInput{SourceType: "fax"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for unknown source, got %v", err)
	}
}

func TestServiceSaveValidatesRecipe(t *testing.T) {
	svc, _ := newTestService()

	_, err := svc.Save(context.Background(), testOwnerID, SaveInput{
		Recipe:     extraction.Recipe{Name: "  "},
		SourceType: extraction.KindURL,
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error when name missing, got %v", err)
	}

	_, err = svc.Save(context.Background(), testOwnerID, SaveInput{
		Recipe:     extraction.Recipe{Name: "Toast"},
		SourceType: extraction.KindURL,
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error when ingredients missing, got %v", err)
	}

	saved, err := svc.Save(context.Background(), testOwnerID, SaveInput{
		Recipe:     *sampleResult().Recipe,
		SourceType: extraction.KindURL,
		SourceData: "https://example.com/shakshuka",
		Favorite:   true,
	})
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if saved.Status != StatusSaved || !saved.Favorite {
		t.Fatalf("expected saved favorite, got %+v", saved)
	}
}

func TestServiceScopesByOwner(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	saved, err := svc.Record(ctx, testOwnerID, RecordInput{SourceType: extraction.KindText, Result: sampleResult()})
	if err != nil {
		t.Fatalf("record failed: %v", err)
	}

	other := uuid.New()
	if _, err := svc.Get(ctx, other, saved.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for another owner, got %v", err)
	}
	if _, err := svc.SetFavorite(ctx, other, saved.ID, true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound when favoriting another owner's recipe, got %v", err)
	}
	if err := svc.Delete(ctx, other, saved.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound when deleting another owner's recipe, got %v", err)
	}
	list, err := svc.List(ctx, other, ListOptions{})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected no recipes for another owner, got %d", len(list))
	}

	if err := svc.Delete(ctx, testOwnerID, saved.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := svc.Get(ctx, testOwnerID, saved.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected recipe to be gone, got %v", err)
	}
}

func TestServiceListFiltersAndOrders(t *testing.T) {
	svc, now := newTestService()
	ctx := context.Background()

	first, err := svc.Record(ctx, testOwnerID, RecordInput{SourceType: extraction.KindText, Result: sampleResult()})
	if err != nil {
		t.Fatalf("record failed: %v", err)
	}
	*now = now.Add(time.Minute)
	second, err := svc.Record(ctx, testOwnerID, RecordInput{SourceType: extraction.KindURL, Result: sampleResult()})
	if err != nil {
		t.Fatalf("record failed: %v", err)
	}
	*now = now.Add(time.Minute)
	if _, err := svc.Record(ctx, testOwnerID, RecordInput{SourceType: extraction.KindImage, Failure: "no recipe"}); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	if _, err := svc.SetFavorite(ctx, testOwnerID, first.ID, true); err != nil {
		t.Fatalf("favorite failed: %v", err)
	}

	all, err := svc.List(ctx, testOwnerID, ListOptions{})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 recipes, got %d", len(all))
	}
	if all[1].ID != second.ID || all[2].ID != first.ID {
		t.Fatalf("expected newest first ordering")
	}

	favorites, err := svc.List(ctx, testOwnerID, ListOptions{Favorites: true})
	if err != nil {
		t.Fatalf("list favorites failed: %v", err)
	}
	if len(favorites) != 1 || favorites[0].ID != first.ID {
		t.Fatalf("expected only the favorite recipe, got %+v", favorites)
	}

	failed := StatusFailed
	failures, err := svc.List(ctx, testOwnerID, ListOptions{Status: &failed})
	if err != nil {
		t.Fatalf("list failed status: %v", err)
	}
	if len(failures) != 1 || failures[0].SourceType != extraction.KindImage {
		t.Fatalf("expected the failed image entry, got %+v", failures)
	}

	limited, err := svc.List(ctx, testOwnerID, ListOptions{Limit: 2})
	if err != nil {
		t.Fatalf("list limited failed: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("expected limit to apply, got %d", len(limited))
	}

	bogus := Status("archived")
	if _, err := svc.List(ctx, testOwnerID, ListOptions{Status: &bogus}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for unknown status, got %v", err)
	}
}

func TestServiceUpdateStatus(t *testing.T) {
	svc, now := newTestService()
	ctx := context.Background()

	saved, err := svc.Record(ctx, testOwnerID, RecordInput{SourceType: extraction.KindText, Failure: "timeout"})
	if err != nil {
		t.Fatalf("record failed: %v", err)
	}

	*now = now.Add(time.Minute)
	updated, err := svc.UpdateStatus(ctx, testOwnerID, saved.ID, StatusShared)
	if err != nil {
		t.Fatalf("update status failed: %v", err)
	}
	if updated.Status != StatusShared || updated.Failure != "" {
		t.Fatalf("expected shared status without failure, got %+v", updated)
	}
	if !updated.UpdatedAt.After(saved.UpdatedAt) {
		t.Fatalf("expected updated timestamp to increase")
	}

	if _, err := svc.UpdateStatus(ctx, testOwnerID, saved.ID, "archived"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestRecipeDocumentRoundTrip(t *testing.T) {
	servings := 2
	doc := recipeDocument{Name: "Soup", Servings: &servings, Ingredients: []extraction.Ingredient{{Item: "leek"}}}

	value, err := doc.Value()
	if err != nil {
		t.Fatalf("value failed: %v", err)
	}

	var scanned recipeDocument
	if err := scanned.Scan(value); err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if scanned.Name != "Soup" || scanned.Servings == nil || *scanned.Servings != 2 {
		t.Fatalf("unexpected scanned recipe %+v", scanned)
	}
	if err := scanned.Scan(42); err == nil {
		t.Fatalf("expected error for unsupported type")
	}
}
