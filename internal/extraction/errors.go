package extraction

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Details carries flags that let callers branch on transport failures
// without matching on message text.
type Details struct {
	Cancelled    bool `json:"cancelled,omitempty"`
	Offline      bool `json:"offline,omitempty"`
	NetworkError bool `json:"networkError,omitempty"`
	Timeout      bool `json:"timeout,omitempty"`
}

// APIError is returned for every failed call to the extraction service.
type APIError struct {
	Status  int
	Message string
	Details Details
	Err     error
}

func (e *APIError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("extraction api: %d %s", e.Status, e.Message)
	}
	return "extraction api: " + e.Message
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// errorMessage pulls a human-readable message out of an error body. The
// service answers with {"message"}, {"detail"} or {"error"}, where detail may
// itself be an object carrying a message.
func errorMessage(body []byte, status int) string {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err == nil {
		for _, key := range []string{"message", "detail", "error"} {
			raw, ok := payload[key]
			if !ok {
				continue
			}
			var text string
			if err := json.Unmarshal(raw, &text); err == nil && strings.TrimSpace(text) != "" {
				return text
			}
			var nested struct {
				Message string `json:"message"`
			}
			if err := json.Unmarshal(raw, &nested); err == nil && strings.TrimSpace(nested.Message) != "" {
				return nested.Message
			}
		}
	}

	if text := http.StatusText(status); text != "" {
		return text
	}
	return fmt.Sprintf("status %d", status)
}
