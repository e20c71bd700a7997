package extraction

import (
	"encoding/base64"
	"encoding/json"
)

// Kind identifies the input an extraction request was built from.
type Kind string

const (
	KindText  Kind = "text"
	KindURL   Kind = "url"
	KindImage Kind = "image"
)

// Options is the free-form options bag forwarded to the extraction service.
type Options map[string]any

// TextRequest extracts a recipe from pasted text.
type TextRequest struct {
	Text    string  `json:"text"`
	Options Options `json:"options,omitempty"`
}

// URLRequest extracts a recipe from a web page.
type URLRequest struct {
	URL     string  `json:"url"`
	Options Options `json:"options,omitempty"`
}

// ImageRequest extracts a recipe from one or more photographed pages.
type ImageRequest struct {
	Images  [][]byte
	Options Options
}

// MarshalJSON sends a single image as a base64 string and several images as
// an array of base64 strings.
func (r ImageRequest) MarshalJSON() ([]byte, error) {
	encoded := make([]string, len(r.Images))
	for i, img := range r.Images {
		encoded[i] = base64.StdEncoding.EncodeToString(img)
	}

	var imageData any = encoded
	if len(encoded) == 1 {
		imageData = encoded[0]
	}

	return json.Marshal(struct {
		ImageData any     `json:"image_data"`
		Options   Options `json:"options,omitempty"`
	}{ImageData: imageData, Options: r.Options})
}

// Ingredient is a single ingredient line.
type Ingredient struct {
	Item    string `json:"item"`
	Amount  string `json:"amount"`
	Unit    string `json:"unit"`
	StageID *int   `json:"stage_id,omitempty"`
}

// Stage groups instructions into a named preparation phase.
type Stage struct {
	Title        string   `json:"title"`
	Instructions []string `json:"instructions"`
}

// Recipe is the structured recipe returned by the extraction service. A recipe
// carries either Stages or Instructions.
type Recipe struct {
	ID             string       `json:"id,omitempty"`
	Name           string       `json:"name"`
	Description    string       `json:"description,omitempty"`
	Category       string       `json:"category,omitempty"`
	Difficulty     string       `json:"difficulty,omitempty"`
	PrepTime       *int         `json:"prepTime,omitempty"`
	CookTime       *int         `json:"cookTime,omitempty"`
	WaitTime       *int         `json:"waitTime,omitempty"`
	TotalTime      *int         `json:"totalTime,omitempty"`
	Servings       *int         `json:"servings,omitempty"`
	Stages         []Stage      `json:"stages,omitempty"`
	Instructions   []string     `json:"instructions,omitempty"`
	Ingredients    []Ingredient `json:"ingredients"`
	MainIngredient string       `json:"mainIngredient,omitempty"`
	Tags           []string     `json:"tags,omitempty"`
	SourceURL      string       `json:"source_url,omitempty"`
}

// HasTag reports whether the recipe carries tag.
func (r *Recipe) HasTag(tag string) bool {
	if r == nil {
		return false
	}
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Result is a successful extraction response.
type Result struct {
	Recipe          *Recipe         `json:"recipe"`
	ConfidenceScore float64         `json:"confidence_score"`
	ProcessingTime  float64         `json:"processing_time"`
	SourceType      string          `json:"source_type,omitempty"`
	SourceData      json.RawMessage `json:"source_data,omitempty"`
}
