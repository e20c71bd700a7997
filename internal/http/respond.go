package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"recipereader/internal/extraction"
	"recipereader/internal/formstate"
	"recipereader/internal/gate"
	"recipereader/internal/recipes"
	"recipereader/internal/validation"
)

// Error kinds reported in API error bodies.
const (
	kindAuthentication = "authentication"
	kindRateLimit      = "rate_limit"
	kindExtraction     = "extraction"
	kindCancelled      = "cancelled"
	kindOffline        = "offline"
	kindNetwork        = "network"
	kindTimeout        = "timeout"
	kindAPI            = "api"
	kindValidation     = "validation"
	kindInternal       = "internal"
)

// statusClientClosedRequest is reported when the user cancelled the call.
const statusClientClosedRequest = 499

const maxJSONBodyBytes int64 = 1 << 20

var errPayloadTooLarge = errors.New("payload too large")

// apiError is the JSON body of every failed API call.
type apiError struct {
	Error        string `json:"error"`
	Kind         string `json:"kind"`
	Action       string `json:"action,omitempty"`
	Details      any    `json:"details,omitempty"`
	Remaining    *int   `json:"remaining,omitempty"`
	SignInURL    string `json:"signInURL,omitempty"`
	FormStateKey string `json:"formStateKey,omitempty"`
	ContactURL   string `json:"contactURL,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	limited := http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	defer func() {
		_ = limited.Close()
	}()

	decoder := json.NewDecoder(limited)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return fmt.Errorf("%w (max %d bytes)", errPayloadTooLarge, maxErr.Limit)
		}
		return err
	}
	return nil
}

func writeJSONError(w http.ResponseWriter, err error) {
	if errors.Is(err, errPayloadTooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}
	// Return generic message to avoid leaking internal JSON parsing details
	writeError(w, http.StatusBadRequest, "invalid request body")
}

// classifyError maps an error from the gate, the extraction client or input
// validation to a status and body.
func classifyError(err error) (int, apiError) {
	var (
		authErr       *gate.AuthenticationError
		rateErr       *gate.RateLimitError
		extractionErr *gate.ExtractionError
		clientErr     *extraction.APIError
		fileErr       *validation.FileError
	)

	switch {
	case errors.As(err, &authErr):
		return http.StatusUnauthorized, apiError{
			Error:  "Please sign in to extract recipes.",
			Kind:   kindAuthentication,
			Action: "sign_in",
			Details: map[string]string{
				"reason": authErr.Reason,
			},
		}
	case errors.As(err, &rateErr):
		remaining := rateErr.Remaining
		return http.StatusTooManyRequests, apiError{
			Error:     "You have used all of your extraction requests. Contact us to raise your limit.",
			Kind:      kindRateLimit,
			Action:    "contact",
			Remaining: &remaining,
		}
	case errors.As(err, &extractionErr):
		return http.StatusUnprocessableEntity, apiError{
			Error:  "We could not find a recipe in that input.",
			Kind:   kindExtraction,
			Action: "try_different_input",
			Details: map[string]any{
				"reason":     extractionErr.Reason,
				"sourceType": extractionErr.Kind,
			},
		}
	case errors.As(err, &clientErr):
		return classifyClientError(clientErr)
	case errors.As(err, &fileErr):
		return http.StatusBadRequest, apiError{
			Error: fileErr.Error(),
			Kind:  kindValidation,
			Details: map[string]string{
				"field": fileErr.Name,
				"code":  string(fileErr.Code),
			},
		}
	case errors.Is(err, validation.ErrValidation), errors.Is(err, recipes.ErrValidation):
		return http.StatusBadRequest, apiError{Error: err.Error(), Kind: kindValidation}
	case errors.Is(err, formstate.ErrTooLarge):
		return http.StatusRequestEntityTooLarge, apiError{Error: err.Error(), Kind: kindValidation}
	default:
		return http.StatusInternalServerError, apiError{Error: "unexpected error", Kind: kindInternal}
	}
}

func classifyClientError(err *extraction.APIError) (int, apiError) {
	d := err.Details
	switch {
	case d.Cancelled:
		return statusClientClosedRequest, apiError{Error: "The extraction was cancelled.", Kind: kindCancelled, Details: d}
	case d.Offline:
		return http.StatusServiceUnavailable, apiError{Error: "The extraction service is unreachable.", Kind: kindOffline, Action: "retry", Details: d}
	case d.Timeout:
		return http.StatusGatewayTimeout, apiError{Error: "The extraction service took too long to answer.", Kind: kindTimeout, Action: "retry", Details: d}
	case d.NetworkError:
		return http.StatusBadGateway, apiError{Error: "Could not reach the extraction service.", Kind: kindNetwork, Action: "retry", Details: d}
	}

	status := http.StatusBadGateway
	if err.Status >= 400 && err.Status < 600 {
		status = err.Status
	}
	message := err.Message
	if message == "" {
		message = "The extraction service returned an error."
	}
	return status, apiError{Error: message, Kind: kindAPI, Details: map[string]int{"status": err.Status}}
}

// writeAPIError classifies err and writes it. Unexpected errors are logged.
func writeAPIError(w http.ResponseWriter, err error, logger *slog.Logger) {
	status, body := classifyError(err)
	if status == http.StatusInternalServerError {
		logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, body)
}
