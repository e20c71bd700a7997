package http

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"recipereader/internal/extraction"
	"recipereader/internal/recipes"
)

func jsonRequest(t *testing.T, method, target string, body any) *http.Request {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(method, target, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeAPIError(t *testing.T, rec *httptest.ResponseRecorder) apiError {
	t.Helper()
	var body apiError
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestExtractTextRequiresSignInAndKeepsInput(t *testing.T) {
	env := newTestEnv(t)

	req := jsonRequest(t, http.MethodPost, "/api/extract/text", map[string]string{
		"text":     "2 eggs, 1 tin tomatoes",
		"returnTo": "/extract/text",
	})
	rec := env.do(req, "")

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeAPIError(t, rec)
	if body.Kind != kindAuthentication {
		t.Fatalf("expected authentication kind, got %q", body.Kind)
	}
	if body.FormStateKey == "" {
		t.Fatal("expected a form state key")
	}
	if !strings.HasPrefix(body.SignInURL, "/api/auth/google?") || !strings.Contains(body.SignInURL, "formState="+body.FormStateKey) {
		t.Fatalf("unexpected sign-in URL %q", body.SignInURL)
	}
	if env.extractor.Calls() != 0 {
		t.Fatalf("expected no extraction call, got %d", env.extractor.Calls())
	}

	state, err := env.forms.Take(body.FormStateKey)
	if err != nil {
		t.Fatalf("expected saved form state: %v", err)
	}
	if state.Fields["text"] != "2 eggs, 1 tin tomatoes" || state.ReturnTo != "/extract/text" {
		t.Fatalf("unexpected form state %+v", state)
	}
}

func TestExtractTextSucceedsAndCountsUsage(t *testing.T) {
	env := newTestEnv(t)
	key, user := env.signIn(t, "")

	req := jsonRequest(t, http.MethodPost, "/api/extract/text", map[string]string{"text": "Shakshuka for two"})
	req.Header.Set(extractionIDHeader, "req-1")
	rec := env.do(req, key)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp extractResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.RequestID != "req-1" {
		t.Fatalf("expected request id to echo, got %q", resp.RequestID)
	}
	if resp.Result == nil || resp.Result.Recipe.Name != "Shakshuka" {
		t.Fatalf("unexpected result %+v", resp.Result)
	}
	if resp.Quota == nil || resp.Quota.Used != 1 || resp.Quota.Remaining != 2 {
		t.Fatalf("expected 1 of 3 used, got %+v", resp.Quota)
	}
	if resp.Saved == nil || resp.Saved.Status != recipes.StatusProcessed {
		t.Fatalf("expected processed history entry, got %+v", resp.Saved)
	}

	history, err := env.recipes.List(context.Background(), user.ID, recipes.ListOptions{})
	if err != nil || len(history) != 1 {
		t.Fatalf("expected one history entry, got %d (%v)", len(history), err)
	}
}

func TestExtractRefusedWhenQuotaExhausted(t *testing.T) {
	env := newTestEnv(t)
	key, user := env.signIn(t, "")
	if _, err := env.store.SetLimit(context.Background(), user.ID, 1); err != nil {
		t.Fatalf("set limit: %v", err)
	}
	if _, err := env.store.Increment(context.Background(), user.ID, 1); err != nil {
		t.Fatalf("increment: %v", err)
	}

	rec := env.do(jsonRequest(t, http.MethodPost, "/api/extract/url", map[string]string{"url": "example.com/recipe"}), key)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeAPIError(t, rec)
	if body.Kind != kindRateLimit || body.Remaining == nil || *body.Remaining != 0 {
		t.Fatalf("unexpected body %+v", body)
	}
	if body.Action != "contact" || body.ContactURL != "http://frontend.test/contact" {
		t.Fatalf("expected a contact path, got action %q url %q", body.Action, body.ContactURL)
	}
	if env.extractor.Calls() != 0 {
		t.Fatalf("expected no extraction call, got %d", env.extractor.Calls())
	}
}

func TestExtractAdminIgnoresQuota(t *testing.T) {
	env := newTestEnv(t)
	key, user := env.signIn(t, "admin")
	if _, err := env.store.SetLimit(context.Background(), user.ID, 1); err != nil {
		t.Fatalf("set limit: %v", err)
	}
	if _, err := env.store.Increment(context.Background(), user.ID, 1); err != nil {
		t.Fatalf("increment: %v", err)
	}

	rec := env.do(jsonRequest(t, http.MethodPost, "/api/extract/text", map[string]string{"text": "soup"}), key)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestExtractSoftFailureRecordsFailedAttempt(t *testing.T) {
	env := newTestEnv(t)
	key, user := env.signIn(t, "")
	env.extractor.result = func(context.Context) (*extraction.Result, error) {
		return &extraction.Result{
			Recipe:          &extraction.Recipe{Name: "Unknown", Tags: []string{"extraction-failed"}},
			ConfidenceScore: 0.2,
		}, nil
	}

	rec := env.do(jsonRequest(t, http.MethodPost, "/api/extract/text", map[string]string{"text": "not a recipe"}), key)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", rec.Code, rec.Body.String())
	}
	if body := decodeAPIError(t, rec); body.Kind != kindExtraction {
		t.Fatalf("expected extraction kind, got %q", body.Kind)
	}

	history, err := env.recipes.List(context.Background(), user.ID, recipes.ListOptions{})
	if err != nil || len(history) != 1 || history[0].Status != recipes.StatusFailed {
		t.Fatalf("expected one failed history entry, got %+v (%v)", history, err)
	}

	tracker, _ := env.trackers.For(context.Background(), user.ID, false)
	if used := tracker.View().Used; used != 1 {
		t.Fatalf("expected soft failure to count against quota, got %d", used)
	}
}

func TestExtractInputValidation(t *testing.T) {
	env := newTestEnv(t)
	key, _ := env.signIn(t, "")

	tests := []struct {
		name   string
		target string
		body   map[string]string
	}{
		{name: "empty text", target: "/api/extract/text", body: map[string]string{"text": "   "}},
		{name: "private address", target: "/api/extract/url", body: map[string]string{"url": "http://192.168.1.10/recipe"}},
		{name: "localhost", target: "/api/extract/url", body: map[string]string{"url": "localhost:8080/admin"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(jsonRequest(t, http.MethodPost, tt.target, tt.body), key)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
			if body := decodeAPIError(t, rec); body.Kind != kindValidation {
				t.Fatalf("expected validation kind, got %q", body.Kind)
			}
		})
	}

	if env.extractor.Calls() != 0 {
		t.Fatalf("expected no extraction call, got %d", env.extractor.Calls())
	}
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

type upload struct {
	name        string
	contentType string
	data        []byte
}

func multipartRequest(t *testing.T, files []upload) *http.Request {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for _, f := range files {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", `form-data; name="images"; filename="`+f.name+`"`)
		header.Set("Content-Type", f.contentType)
		part, err := writer.CreatePart(header)
		if err != nil {
			t.Fatalf("create part: %v", err)
		}
		if _, err := part.Write(f.data); err != nil {
			t.Fatalf("write part: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/extract/image", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func TestExtractImageSendsOnlyValidFiles(t *testing.T) {
	env := newTestEnv(t)
	key, _ := env.signIn(t, "")

	req := multipartRequest(t, []upload{
		{name: "page1.png", contentType: "image/png", data: pngBytes(t, 400, 600)},
		{name: "notes.txt", contentType: "text/plain", data: []byte("hello")},
	})
	rec := env.do(req, key)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp extractResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Rejected) != 1 || !strings.Contains(resp.Rejected[0], "notes.txt") {
		t.Fatalf("expected notes.txt to be reported, got %v", resp.Rejected)
	}
	if env.extractor.images != 1 {
		t.Fatalf("expected one image forwarded, got %d", env.extractor.images)
	}
}

func TestExtractImageRejectsBatchWithoutValidFiles(t *testing.T) {
	env := newTestEnv(t)
	key, _ := env.signIn(t, "")

	req := multipartRequest(t, []upload{
		{name: "tiny.png", contentType: "image/png", data: pngBytes(t, 20, 20)},
	})
	rec := env.do(req, key)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	if env.extractor.Calls() != 0 {
		t.Fatalf("expected no extraction call, got %d", env.extractor.Calls())
	}
}

func TestCancelInFlightExtraction(t *testing.T) {
	env := newTestEnv(t)
	key, _ := env.signIn(t, "")
	started := make(chan struct{})
	env.extractor.result = func(ctx context.Context) (*extraction.Result, error) {
		close(started)
		<-ctx.Done()
		return nil, &extraction.APIError{Message: "request cancelled", Details: extraction.Details{Cancelled: true}, Err: ctx.Err()}
	}

	req := jsonRequest(t, http.MethodPost, "/api/extract/text", map[string]string{"text": "slow soup"})
	req.Header.Set(extractionIDHeader, "slow-1")
	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- env.do(req, key)
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("extraction never started")
	}

	other, _ := env.signIn(t, "")
	if rec := env.do(httptest.NewRequest(http.MethodDelete, "/api/extract/slow-1", nil), other); rec.Code != http.StatusNotFound {
		t.Fatalf("expected another session's cancel to be refused, got %d", rec.Code)
	}

	if rec := env.do(httptest.NewRequest(http.MethodDelete, "/api/extract/slow-1", nil), key); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 on cancel, got %d", rec.Code)
	}

	select {
	case rec := <-done:
		if rec.Code != statusClientClosedRequest {
			t.Fatalf("expected 499, got %d: %s", rec.Code, rec.Body.String())
		}
		if body := decodeAPIError(t, rec); body.Kind != kindCancelled {
			t.Fatalf("expected cancelled kind, got %q", body.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("extraction was not cancelled")
	}
}

func TestCancelRequiresSession(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(httptest.NewRequest(http.MethodDelete, "/api/extract/anything", nil), "")

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}
