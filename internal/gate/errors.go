package gate

import (
	"fmt"

	"recipereader/internal/extraction"
)

// AuthenticationError is returned when the caller is not signed in or the
// session is unusable. Callers should prompt sign-in and keep form input.
type AuthenticationError struct {
	Reason string
}

func (e *AuthenticationError) Error() string {
	return "authentication required: " + e.Reason
}

// RateLimitError is returned when a non-admin user has used up the quota.
type RateLimitError struct {
	Remaining int
	Reason    string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit: %s (%d remaining)", e.Reason, e.Remaining)
}

// ExtractionError is a soft failure: the service answered successfully but
// the payload shows nothing usable was extracted. Result holds that payload.
type ExtractionError struct {
	Kind   extraction.Kind
	Reason string
	Result *extraction.Result
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("%s extraction failed: %s", e.Kind, e.Reason)
}
