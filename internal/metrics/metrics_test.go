package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func scrape(t *testing.T, reg *prometheus.Registry) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	Handler(reg).ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	body, _ := io.ReadAll(resp.Body)
	return string(body)
}

func TestCollectorCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.ObserveExtraction("text", "success", 2*time.Second)
	c.ObserveExtraction("text", "success", time.Second)
	c.ObserveExtraction("url", "cancelled", 500*time.Millisecond)
	c.ObserveRefresh("failure")
	c.ObserveIncrement("success")
	c.ObserveDenied("rate_limit")

	body := scrape(t, reg)
	for _, want := range []string{
		`recipereader_extractions_total{kind="text",outcome="success"} 2`,
		`recipereader_extractions_total{kind="url",outcome="cancelled"} 1`,
		`recipereader_extraction_duration_seconds_count{kind="text"} 2`,
		`recipereader_session_refreshes_total{outcome="failure"} 1`,
		`recipereader_quota_increments_total{outcome="success"} 1`,
		`recipereader_extraction_denials_total{reason="rate_limit"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("scrape should contain %q", want)
		}
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.ObserveExtraction("image", "success", time.Second)
	c.TrackGauge("recipereader_sessions_active", "Active browser sessions.", func() int { return 3 })

	body := scrape(t, reg)
	for _, want := range []string{"recipereader_extractions_total", "recipereader_sessions_active 3"} {
		if !strings.Contains(body, want) {
			t.Errorf("response should contain %q", want)
		}
	}
}
