// Package extraction talks to the recipe extraction API.
package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

const (
	defaultBaseURL      = "http://localhost:8000"
	maxErrorBodyBytes   = 64 << 10
	maxResultBodyBytes  = 8 << 20
	defaultDialTimeout = 2 * time.Second
)

// Timeouts holds the per-kind deadline applied to extraction calls.
type Timeouts struct {
	Text  time.Duration
	URL   time.Duration
	Image time.Duration
}

// DefaultTimeouts returns the standard per-kind deadlines.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Text:  30 * time.Second,
		URL:   60 * time.Second,
		Image: 60 * time.Second,
	}
}

// Connectivity reports whether the host currently has network access.
type Connectivity interface {
	Online(ctx context.Context) bool
}

// ConnectivityFunc adapts a function to Connectivity.
type ConnectivityFunc func(ctx context.Context) bool

// Online implements Connectivity.
func (f ConnectivityFunc) Online(ctx context.Context) bool { return f(ctx) }

// AlwaysOnline never reports the host as offline.
var AlwaysOnline Connectivity = ConnectivityFunc(func(context.Context) bool { return true })

// DialCheck treats the host as online when a TCP connection to Address can
// be opened.
type DialCheck struct {
	Address string
	Timeout time.Duration
}

// Online implements Connectivity.
func (p DialCheck) Online(ctx context.Context) bool {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", p.Address)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Recorder observes completed extraction calls.
type Recorder interface {
	ObserveExtraction(kind, outcome string, duration time.Duration)
}

// Client calls the extraction endpoints directly or through the
// authenticated proxy.
type Client struct {
	httpClient   *http.Client
	baseURL      string
	authBaseURL  string
	apiKey       string
	connectivity Connectivity
	timeouts     Timeouts
	logger       *slog.Logger
	recorder     Recorder
}

// Option configures the Client during construction.
type Option func(*Client)

// WithBaseURL sets the public (API key) base URL.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithAuthenticatedBaseURL sets the base URL of the proxy used for calls that
// carry a bearer token.
func WithAuthenticatedBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.authBaseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithAPIKey sets the key sent on unauthenticated calls.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = strings.TrimSpace(key)
	}
}

// WithConnectivity sets the check consulted when a call fails in transport.
func WithConnectivity(conn Connectivity) Option {
	return func(c *Client) {
		if conn != nil {
			c.connectivity = conn
		}
	}
}

// WithTimeouts overrides the per-kind deadlines.
func WithTimeouts(t Timeouts) Option {
	return func(c *Client) {
		c.timeouts = t
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(c *Client) {
		c.recorder = r
	}
}

// NewClient constructs a Client.
func NewClient(httpClient *http.Client, opts ...Option) *Client {
	if httpClient == nil {
		// Deadlines come from the per-call Token, not the client.
		httpClient = &http.Client{}
	}

	c := &Client{
		httpClient:   httpClient,
		baseURL:      defaultBaseURL,
		connectivity: AlwaysOnline,
		timeouts:     DefaultTimeouts(),
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Timeout returns the deadline applied to calls of the given kind.
func (c *Client) Timeout(kind Kind) time.Duration {
	switch kind {
	case KindText:
		return c.timeouts.Text
	case KindURL:
		return c.timeouts.URL
	case KindImage:
		return c.timeouts.Image
	default:
		return c.timeouts.Text
	}
}

// ExtractText posts recipe text. An empty accessToken sends the call to the
// public endpoint with the API key.
func (c *Client) ExtractText(ctx context.Context, accessToken string, req TextRequest) (*Result, error) {
	return c.post(ctx, KindText, "/recipe/text", accessToken, req)
}

// ExtractURL posts a recipe page URL.
func (c *Client) ExtractURL(ctx context.Context, accessToken string, req URLRequest) (*Result, error) {
	return c.post(ctx, KindURL, "/recipe/url", accessToken, req)
}

// ExtractImages posts one or more recipe images.
func (c *Client) ExtractImages(ctx context.Context, accessToken string, req ImageRequest) (*Result, error) {
	if len(req.Images) == 0 {
		return nil, &APIError{Message: "no images to extract"}
	}
	return c.post(ctx, KindImage, "/recipe/image", accessToken, req)
}

func (c *Client) post(ctx context.Context, kind Kind, path, accessToken string, payload any) (*Result, error) {
	start := time.Now()

	result, outcome, err := c.do(ctx, path, accessToken, payload)
	if c.recorder != nil {
		c.recorder.ObserveExtraction(string(kind), outcome, time.Since(start))
	}
	if err != nil {
		c.logger.Warn("extraction call failed", "kind", kind, "outcome", outcome, "error", err)
		return nil, err
	}

	c.logger.Info("extraction call completed", "kind", kind, "duration", time.Since(start).String(), "confidence", result.ConfidenceScore)
	return result, nil
}

func (c *Client) do(ctx context.Context, path, accessToken string, payload any) (*Result, string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, "encode_error", &APIError{Message: "could not encode request", Err: err}
	}

	base := c.baseURL
	if accessToken != "" && c.authBaseURL != "" {
		base = c.authBaseURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(body))
	if err != nil {
		return nil, "encode_error", &APIError{Message: "could not build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	} else if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		apiErr := c.transportError(ctx, err)
		return nil, outcomeFor(apiErr), apiErr
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		apiErr := &APIError{
			Status:  resp.StatusCode,
			Message: errorMessage(raw, resp.StatusCode),
			Details: Details{Timeout: resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout},
		}
		return nil, "http_error", apiErr
	}

	var result Result
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResultBodyBytes)).Decode(&result); err != nil {
		if ctx.Err() != nil {
			apiErr := c.transportError(ctx, err)
			return nil, outcomeFor(apiErr), apiErr
		}
		return nil, "decode_error", &APIError{Status: resp.StatusCode, Message: "invalid response body", Err: err}
	}

	return &result, "success", nil
}

// transportError classifies a failure that happened before a response was
// received: an aborted context is a cancellation, otherwise the connectivity
// check decides between offline and a generic network error.
func (c *Client) transportError(ctx context.Context, err error) *APIError {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &APIError{Message: "request was cancelled", Details: Details{Cancelled: true}, Err: err}
	}
	if !c.connectivity.Online(ctx) {
		return &APIError{Message: "no network connection", Details: Details{Offline: true}, Err: err}
	}
	return &APIError{Message: fmt.Sprintf("could not reach extraction service: %v", err), Details: Details{NetworkError: true}, Err: err}
}

func outcomeFor(err *APIError) string {
	switch {
	case err.Details.Cancelled:
		return "cancelled"
	case err.Details.Offline:
		return "offline"
	case err.Details.NetworkError:
		return "network_error"
	default:
		return "error"
	}
}
