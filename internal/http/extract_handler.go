package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"recipereader/internal/extraction"
	"recipereader/internal/formstate"
	"recipereader/internal/gate"
	"recipereader/internal/quota"
	"recipereader/internal/recipes"
	"recipereader/internal/validation"
)

// extractionIDHeader lets the client name a call so it can cancel it later.
const extractionIDHeader = "X-Extraction-ID"

const maxExtractionIDLen = 64

// ExtractHandler accepts extraction submissions and runs them through the
// secure extractor.
type ExtractHandler struct {
	extractor      *gate.SecureExtractor
	trackers       QuotaSource
	history        *recipes.Service
	forms          *formstate.Store
	inflight       *extraction.Inflight
	rules          validation.Rules
	signInProvider string
	contactURL     string
	logger         *slog.Logger
}

// ExtractConfig groups the collaborators of an ExtractHandler. History and
// Forms may be nil.
type ExtractConfig struct {
	Extractor      *gate.SecureExtractor
	Trackers       QuotaSource
	History        *recipes.Service
	Forms          *formstate.Store
	Inflight       *extraction.Inflight
	UploadRules    validation.Rules
	SignInProvider string
	ContactURL     string
	Logger         *slog.Logger
}

// NewExtractHandler creates a handler.
func NewExtractHandler(cfg ExtractConfig) *ExtractHandler {
	return &ExtractHandler{
		extractor:      cfg.Extractor,
		trackers:       cfg.Trackers,
		history:        cfg.History,
		forms:          cfg.Forms,
		inflight:       cfg.Inflight,
		rules:          cfg.UploadRules,
		signInProvider: cfg.SignInProvider,
		contactURL:     cfg.ContactURL,
		logger:         cfg.Logger,
	}
}

type textExtractRequest struct {
	Text     string             `json:"text"`
	Options  extraction.Options `json:"options,omitempty"`
	ReturnTo string             `json:"returnTo,omitempty"`
}

type urlExtractRequest struct {
	URL      string             `json:"url"`
	Options  extraction.Options `json:"options,omitempty"`
	ReturnTo string             `json:"returnTo,omitempty"`
}

type extractResponse struct {
	RequestID string               `json:"requestId"`
	Result    *extraction.Result   `json:"result"`
	Saved     *recipes.SavedRecipe `json:"saved,omitempty"`
	Quota     *quota.View          `json:"quota,omitempty"`
	Rejected  []string             `json:"rejected,omitempty"`
}

// pending is one submission on its way through the gate.
type pending struct {
	kind     extraction.Kind
	source   string
	fields   map[string]string
	returnTo string
	call     gate.Call
	tracker  *quota.Tracker
	rejected []string
}

// Text handles POST /api/extract/text.
func (h *ExtractHandler) Text(w http.ResponseWriter, r *http.Request) {
	var req textExtractRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeJSONError(w, err)
		return
	}
	if err := validation.ValidateText(req.Text); err != nil {
		writeAPIError(w, err, h.logger)
		return
	}

	p := h.begin(r, extraction.KindText, req.Text, req.ReturnTo)
	p.fields = map[string]string{"text": req.Text}

	result, err := h.extractor.ExtractText(r.Context(), p.call, extraction.TextRequest{Text: req.Text, Options: req.Options})
	h.finish(w, r, p, result, err)
}

// URL handles POST /api/extract/url.
func (h *ExtractHandler) URL(w http.ResponseWriter, r *http.Request) {
	var req urlExtractRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeJSONError(w, err)
		return
	}
	normalized, err := validation.NormalizeURL(req.URL)
	if err != nil {
		writeAPIError(w, err, h.logger)
		return
	}

	p := h.begin(r, extraction.KindURL, normalized, req.ReturnTo)
	p.fields = map[string]string{"url": req.URL}

	result, err := h.extractor.ExtractURL(r.Context(), p.call, extraction.URLRequest{URL: normalized, Options: req.Options})
	h.finish(w, r, p, result, err)
}

// Image handles POST /api/extract/image, a multipart upload with one or more
// "images" parts and optional "options" (JSON) and "returnTo" fields.
func (h *ExtractHandler) Image(w http.ResponseWriter, r *http.Request) {
	files, options, err := h.readUpload(w, r)
	if err != nil {
		if errors.Is(err, errPayloadTooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
			return
		}
		writeAPIError(w, err, h.logger)
		return
	}

	batch := validation.ValidateBatch(files, h.rules)
	if len(batch.Valid) == 0 {
		writeJSON(w, http.StatusBadRequest, apiError{
			Error:   "No usable images were uploaded.",
			Kind:    kindValidation,
			Details: map[string][]string{"files": batch.Messages()},
		})
		return
	}

	images := make([][]byte, len(batch.Valid))
	names := make([]string, len(batch.Valid))
	for i, f := range batch.Valid {
		images[i] = f.Data
		names[i] = f.Name
	}

	p := h.begin(r, extraction.KindImage, strings.Join(names, ", "), r.FormValue("returnTo"))
	p.fields = map[string]string{"files": strings.Join(names, ", ")}
	p.rejected = batch.Messages()

	result, err := h.extractor.ExtractImages(r.Context(), p.call, extraction.ImageRequest{Images: images, Options: options})
	h.finish(w, r, p, result, err)
}

func (h *ExtractHandler) readUpload(w http.ResponseWriter, r *http.Request) ([]validation.File, extraction.Options, error) {
	maxFiles := max(h.rules.MaxFiles, 1)
	limit := h.rules.MaxBytes*int64(maxFiles) + 1<<20
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, nil, errPayloadTooLarge
		}
		return nil, nil, &validation.FileError{Name: "images", Code: validation.CodeDecode, Reason: "invalid multipart upload"}
	}

	var options extraction.Options
	if raw := r.FormValue("options"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &options); err != nil {
			return nil, nil, &validation.FileError{Name: "options", Code: validation.CodeDecode, Reason: "options must be a JSON object"}
		}
	}

	headers := r.MultipartForm.File["images"]
	if len(headers) == 0 {
		return nil, nil, &validation.FileError{Name: "images", Code: validation.CodeEmpty, Reason: "at least one image is required"}
	}

	files := make([]validation.File, 0, len(headers))
	for _, fh := range headers {
		f, err := readPart(fh, h.rules.MaxBytes)
		if err != nil {
			return nil, nil, err
		}
		files = append(files, f)
	}
	return files, options, nil
}

// readPart reads at most maxBytes+1 bytes so oversized files still fail the
// size check instead of being silently cut.
func readPart(fh *multipart.FileHeader, maxBytes int64) (validation.File, error) {
	src, err := fh.Open()
	if err != nil {
		return validation.File{}, fmt.Errorf("open upload %s: %w", fh.Filename, err)
	}
	defer src.Close()

	reader := io.Reader(src)
	if maxBytes > 0 {
		reader = io.LimitReader(src, maxBytes+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return validation.File{}, fmt.Errorf("read upload %s: %w", fh.Filename, err)
	}

	contentType := fh.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	return validation.File{Name: fh.Filename, ContentType: contentType, Data: data}, nil
}

// Cancel handles DELETE /api/extract/{requestID}. Only the session that
// started a call may cancel it.
func (h *ExtractHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	manager := ManagerFromContext(r.Context())
	if manager == nil {
		unauthorized(w)
		return
	}
	if h.inflight == nil || !h.inflight.Cancel(chi.URLParam(r, "requestID"), manager.Key()) {
		writeError(w, http.StatusNotFound, "no such extraction in progress")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// begin builds the gate call for r. Quota is looked up only for an
// authenticated caller; the gate refuses everyone else before reading it.
func (h *ExtractHandler) begin(r *http.Request, kind extraction.Kind, source, returnTo string) *pending {
	manager := ManagerFromContext(r.Context())
	p := &pending{
		kind:     kind,
		source:   source,
		returnTo: returnTo,
		call: gate.Call{
			Auth:      gate.AuthStateFrom(manager),
			RequestID: extractionID(r),
		},
	}
	if manager == nil {
		return p
	}
	p.call.Owner = manager.Key()

	if !p.call.Auth.State.Authenticated(p.call.Auth.Now) {
		return p
	}
	session := p.call.Auth.Session()
	tracker, err := h.trackers.For(r.Context(), session.User.ID, session.User.IsAdmin())
	if err != nil {
		h.logger.Warn("quota read degraded", "user_id", session.User.ID, "error", err)
	}
	if tracker != nil {
		p.tracker = tracker
		p.call.Quota = tracker
	}
	return p
}

func (h *ExtractHandler) finish(w http.ResponseWriter, r *http.Request, p *pending, result *extraction.Result, err error) {
	if err == nil {
		resp := extractResponse{RequestID: p.call.RequestID, Result: result, Rejected: p.rejected}
		if saved, ok := h.record(r.Context(), p, recipes.RecordInput{SourceType: p.kind, SourceData: p.source, Result: result}); ok {
			resp.Saved = &saved
		}
		if p.tracker != nil {
			view := p.tracker.View()
			resp.Quota = &view
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	var authErr *gate.AuthenticationError
	if errors.As(err, &authErr) {
		h.authRequired(w, p, err)
		return
	}

	var rateErr *gate.RateLimitError
	if errors.As(err, &rateErr) {
		status, body := classifyError(err)
		body.ContactURL = h.contactURL
		writeJSON(w, status, body)
		return
	}

	var softErr *gate.ExtractionError
	if errors.As(err, &softErr) {
		h.record(r.Context(), p, recipes.RecordInput{
			SourceType: p.kind,
			SourceData: p.source,
			Result:     softErr.Result,
			Failure:    softErr.Reason,
		})
	}

	writeAPIError(w, err, h.logger)
}

// authRequired answers 401 with a sign-in link. The submitted input is kept
// in the form state store so the page can restore it after the redirect.
func (h *ExtractHandler) authRequired(w http.ResponseWriter, p *pending, err error) {
	status, body := classifyError(err)

	returnTo := "/"
	if isValidRedirectPath(p.returnTo) {
		returnTo = p.returnTo
	}
	query := url.Values{"redirectTo": {returnTo}}

	if h.forms != nil {
		if key, keyErr := formstate.NewKey(); keyErr == nil {
			state := formstate.State{Form: string(p.kind), Fields: p.fields, ReturnTo: returnTo}
			if putErr := h.forms.Put(key, state); putErr == nil {
				body.FormStateKey = key
				query.Set("formState", key)
			} else {
				h.logger.Warn("form state not saved", "error", putErr)
			}
		}
	}

	if h.signInProvider != "" {
		body.SignInURL = "/api/auth/" + url.PathEscape(h.signInProvider) + "?" + query.Encode()
	}
	writeJSON(w, status, body)
}

// record adds the attempt to the caller's history. Failures are logged; the
// extraction outcome is already decided.
func (h *ExtractHandler) record(ctx context.Context, p *pending, input recipes.RecordInput) (recipes.SavedRecipe, bool) {
	session := p.call.Auth.Session()
	if h.history == nil || session == nil {
		return recipes.SavedRecipe{}, false
	}
	saved, err := h.history.Record(context.WithoutCancel(ctx), session.User.ID, input)
	if err != nil {
		h.logger.Warn("recording extraction failed", "user_id", session.User.ID, "kind", p.kind, "error", err)
		return recipes.SavedRecipe{}, false
	}
	return saved, true
}

func extractionID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(extractionIDHeader)); id != "" && len(id) <= maxExtractionIDLen {
		return id
	}
	return uuid.NewString()
}

