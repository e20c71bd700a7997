package gate

import (
	"context"
	"io"
	"log/slog"
	"time"

	"recipereader/internal/extraction"
	"recipereader/internal/platform/clock"
	"recipereader/internal/quota"
)

// Failure markers set by the extraction service on its fallback results.
const (
	TagExtractionFailed      = "extraction-failed"
	TagImageExtractionFailed = "image-extraction-failed"

	// MinConfidence is the lowest confidence score treated as a real result.
	MinConfidence = 0.2

	incrementTimeout = 5 * time.Second
)

// Extractor is the transport used by SecureExtractor.
type Extractor interface {
	Timeout(kind extraction.Kind) time.Duration
	ExtractText(ctx context.Context, accessToken string, req extraction.TextRequest) (*extraction.Result, error)
	ExtractURL(ctx context.Context, accessToken string, req extraction.URLRequest) (*extraction.Result, error)
	ExtractImages(ctx context.Context, accessToken string, req extraction.ImageRequest) (*extraction.Result, error)
}

// Usage is a quota tracker that can hold a slot for a running extraction
// and record it once it completes.
type Usage interface {
	QuotaView
	Reserve() (quota.Reservation, bool)
}

// DecisionRecorder observes refused extractions.
type DecisionRecorder interface {
	ObserveDenied(reason string)
}

// Call identifies who is extracting. RequestID, when set, registers the call
// so it can be cancelled by Owner from another request.
type Call struct {
	Auth      *AuthState
	Quota     Usage
	RequestID string
	Owner     string
}

// SecureExtractor is the single choke point for extraction calls.
type SecureExtractor struct {
	client   Extractor
	inflight *extraction.Inflight
	clock    clock.Clock
	logger   *slog.Logger
	recorder DecisionRecorder
}

// SecureOption configures a SecureExtractor.
type SecureOption func(*SecureExtractor)

// WithInflight registers calls that carry a request ID in r.
func WithInflight(r *extraction.Inflight) SecureOption {
	return func(s *SecureExtractor) {
		s.inflight = r
	}
}

// WithGateClock sets the clock that drives call timeouts.
func WithGateClock(c clock.Clock) SecureOption {
	return func(s *SecureExtractor) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithGateLogger sets the logger.
func WithGateLogger(logger *slog.Logger) SecureOption {
	return func(s *SecureExtractor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithDecisionRecorder sets the metrics recorder for refused calls.
func WithDecisionRecorder(r DecisionRecorder) SecureOption {
	return func(s *SecureExtractor) {
		s.recorder = r
	}
}

// NewSecureExtractor wraps client.
func NewSecureExtractor(client Extractor, opts ...SecureOption) *SecureExtractor {
	s := &SecureExtractor{
		client: client,
		clock:  clock.System{},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ExtractText runs a text extraction for an authorized caller.
func (s *SecureExtractor) ExtractText(ctx context.Context, call Call, req extraction.TextRequest) (*extraction.Result, error) {
	return s.run(ctx, call, extraction.KindText, func(ctx context.Context, token string) (*extraction.Result, error) {
		return s.client.ExtractText(ctx, token, req)
	})
}

// ExtractURL runs a URL extraction for an authorized caller.
func (s *SecureExtractor) ExtractURL(ctx context.Context, call Call, req extraction.URLRequest) (*extraction.Result, error) {
	return s.run(ctx, call, extraction.KindURL, func(ctx context.Context, token string) (*extraction.Result, error) {
		return s.client.ExtractURL(ctx, token, req)
	})
}

// ExtractImages runs an image extraction for an authorized caller.
func (s *SecureExtractor) ExtractImages(ctx context.Context, call Call, req extraction.ImageRequest) (*extraction.Result, error) {
	return s.run(ctx, call, extraction.KindImage, func(ctx context.Context, token string) (*extraction.Result, error) {
		return s.client.ExtractImages(ctx, token, req)
	})
}

// run checks permission, holds a quota slot for the call, performs it under
// a cancellation token, records usage after a transport-level success and
// classifies soft failures. Transport errors are returned unchanged and
// give the slot back.
func (s *SecureExtractor) run(ctx context.Context, call Call, kind extraction.Kind, fn func(context.Context, string) (*extraction.Result, error)) (*extraction.Result, error) {
	if d := CheckPermission(call.Auth, call.Quota); !d.Allowed {
		return nil, s.deny(kind, d)
	}

	reservation, ok := call.Quota.Reserve()
	if !ok {
		remaining, _ := call.Quota.Remaining()
		return nil, s.deny(kind, Decision{Kind: KindRateLimit, Reason: "request limit reached", Remaining: remaining})
	}
	defer reservation.Release()

	token := extraction.NewTokenWithClock(ctx, s.client.Timeout(kind), s.clock)
	defer token.Release()

	if s.inflight != nil && call.RequestID != "" {
		remove := s.inflight.Add(call.RequestID, call.Owner, token)
		defer remove()
	}

	result, err := fn(token.Context(), call.Auth.Session().AccessToken)
	if err != nil {
		return nil, err
	}

	s.recordUsage(ctx, reservation, kind)

	if reason, failed := SoftFailure(result); failed {
		return nil, &ExtractionError{Kind: kind, Reason: reason, Result: result}
	}
	return result, nil
}

func (s *SecureExtractor) deny(kind extraction.Kind, d Decision) error {
	s.logger.Info("extraction denied", "kind", kind, "reason_kind", d.Kind, "reason", d.Reason)
	if s.recorder != nil {
		s.recorder.ObserveDenied(string(d.Kind))
	}
	return d.Err()
}

// recordUsage commits the reservation. Failures are logged and swallowed;
// the user already has the result.
func (s *SecureExtractor) recordUsage(ctx context.Context, reservation quota.Reservation, kind extraction.Kind) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), incrementTimeout)
	defer cancel()

	if err := reservation.Commit(ctx); err != nil {
		s.logger.Warn("usage increment failed", "kind", kind, "error", err)
	}
}

// SoftFailure reports whether a successful response carries no usable
// recipe, and why.
func SoftFailure(result *extraction.Result) (string, bool) {
	switch {
	case result == nil || result.Recipe == nil:
		return "no recipe in response", true
	case result.Recipe.HasTag(TagExtractionFailed) || result.Recipe.HasTag(TagImageExtractionFailed):
		return "extraction service reported a failure", true
	case result.ConfidenceScore < MinConfidence:
		return "confidence too low", true
	case len(result.Recipe.Ingredients) == 0:
		return "no ingredients found", true
	default:
		return "", false
	}
}
