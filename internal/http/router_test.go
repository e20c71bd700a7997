package http

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/health", nil), "")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}

func TestSecurityHeaders(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/health", nil), "")

	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("expected nosniff header")
	}
	if rec.Header().Get("X-Frame-Options") != "DENY" {
		t.Fatal("expected frame options header")
	}
	if rec.Header().Get("Strict-Transport-Security") != "" {
		t.Fatal("expected no HSTS header in development")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.do(httptest.NewRequest(http.MethodPost, "/api/extract/text",
		strings.NewReader(`{"text": "1 cup rice, 2 cups water. Simmer."}`)), "")

	rec := env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil), "")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "recipereader_extraction_denials_total") {
		t.Fatal("expected denial counter in metrics output")
	}
}

func TestMetricsOmittedWithoutGatherer(t *testing.T) {
	env := newTestEnv(t, func(d *Dependencies) { d.Metrics = nil })

	rec := env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil), "")

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rec.Code)
	}
}

func TestExtractWithoutIdentityProviderIsUnauthenticated(t *testing.T) {
	env := newTestEnv(t, func(d *Dependencies) { d.Sessions = nil })

	rec := env.do(httptest.NewRequest(http.MethodPost, "/api/extract/text",
		strings.NewReader(`{"text": "1 cup rice, 2 cups water. Simmer."}`)), "")

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rec.Code)
	}
	if env.extractor.Calls() != 0 {
		t.Fatalf("expected no extraction calls, got %d", env.extractor.Calls())
	}
}

func TestRequestTimeoutCoversSlowestExtraction(t *testing.T) {
	cfg := testConfig()
	cfg.ImageTimeout = 2 * time.Minute

	if got := RequestTimeout(cfg); got != 2*time.Minute+requestSlack {
		t.Fatalf("unexpected request timeout %v", got)
	}
}
