package http

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"recipereader/internal/auth"
	"recipereader/internal/config"
	"recipereader/internal/extraction"
	"recipereader/internal/formstate"
	"recipereader/internal/gate"
	"recipereader/internal/metrics"
	"recipereader/internal/platform/clock"
	"recipereader/internal/quota"
	"recipereader/internal/recipes"
	"recipereader/internal/validation"
)

var testStart = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// providerStub is an in-memory identity provider keyed by session key.
type providerStub struct {
	mu       sync.Mutex
	sessions map[string]*auth.Session
	signIn    func(key, code string) (*auth.Session, error)
	refresh   func(session *auth.Session) (*auth.Session, error)
	signOuts  int
	refreshes int
}

func newProviderStub() *providerStub {
	return &providerStub{sessions: make(map[string]*auth.Session)}
}

func (p *providerStub) AuthURL(provider, state string) (string, error) {
	if provider != "google" {
		return "", fmt.Errorf("%w: %s", auth.ErrUnsupportedProvider, provider)
	}
	return "https://idp.test/authorize?state=" + url.QueryEscape(state), nil
}

func (p *providerStub) SignIn(_ context.Context, key, provider, code string) (*auth.Session, error) {
	if provider != "google" {
		return nil, auth.ErrUnsupportedProvider
	}
	if p.signIn == nil {
		return nil, auth.ErrNoSession
	}
	session, err := p.signIn(key, code)
	if err != nil {
		return nil, err
	}
	p.put(key, session)
	return session, nil
}

func (p *providerStub) CurrentSession(_ context.Context, key string) (*auth.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	session, ok := p.sessions[key]
	if !ok {
		return nil, nil
	}
	cp := *session
	return &cp, nil
}

func (p *providerStub) Refresh(_ context.Context, key string, session *auth.Session) (*auth.Session, error) {
	p.mu.Lock()
	p.refreshes++
	fn := p.refresh
	p.mu.Unlock()
	if fn == nil {
		return nil, auth.ErrNoRefreshToken
	}
	updated, err := fn(session)
	if err != nil {
		return nil, err
	}
	p.put(key, updated)
	return updated, nil
}

func (p *providerStub) Refreshes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refreshes
}

func (p *providerStub) SignOut(_ context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sessions, key)
	p.signOuts++
	return nil
}

func (p *providerStub) Subscribe(string, func(auth.Event)) func() {
	return func() {}
}

func (p *providerStub) put(key string, session *auth.Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := *session
	p.sessions[key] = &cp
}

func (p *providerStub) SignOuts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.signOuts
}

// extractorStub answers extraction calls from result.
type extractorStub struct {
	mu     sync.Mutex
	calls  int
	images int
	result func(ctx context.Context) (*extraction.Result, error)
}

func (s *extractorStub) Timeout(extraction.Kind) time.Duration {
	return time.Minute
}

func (s *extractorStub) call(ctx context.Context, images int) (*extraction.Result, error) {
	s.mu.Lock()
	s.calls++
	s.images += images
	s.mu.Unlock()
	if s.result != nil {
		return s.result(ctx)
	}
	return goodResult(), nil
}

func (s *extractorStub) ExtractText(ctx context.Context, _ string, _ extraction.TextRequest) (*extraction.Result, error) {
	return s.call(ctx, 0)
}

func (s *extractorStub) ExtractURL(ctx context.Context, _ string, _ extraction.URLRequest) (*extraction.Result, error) {
	return s.call(ctx, 0)
}

func (s *extractorStub) ExtractImages(ctx context.Context, _ string, req extraction.ImageRequest) (*extraction.Result, error) {
	return s.call(ctx, len(req.Images))
}

func (s *extractorStub) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func goodResult() *extraction.Result {
	return &extraction.Result{
		Recipe: &extraction.Recipe{
			Name:         "Shakshuka",
			Ingredients:  []extraction.Ingredient{{Item: "eggs", Amount: "4"}},
			Instructions: []string{"Simmer the sauce.", "Poach the eggs."},
		},
		ConfidenceScore: 0.92,
		ProcessingTime:  2.5,
	}
}

type testEnv struct {
	clock     *clock.Fake
	provider  *providerStub
	registry  *auth.Registry
	store     *quota.MemoryStore
	trackers  *quota.Trackers
	recipes   *recipes.Service
	forms     *formstate.Store
	inflight  *extraction.Inflight
	extractor *extractorStub
	limiter   *RateLimiter
	router    http.Handler
}

func testConfig() config.Config {
	return config.Config{
		Environment:    "development",
		AllowedOrigins: []string{"http://localhost:5173"},
		FrontendURL:    "http://frontend.test",
		ContactURL:     "http://frontend.test/contact",
		TextTimeout:    30 * time.Second,
		URLTimeout:     time.Minute,
		ImageTimeout:   time.Minute,
	}
}

func newTestEnv(t *testing.T, customize ...func(*Dependencies)) *testEnv {
	t.Helper()

	fake := clock.NewFake(testStart)
	provider := newProviderStub()
	registry := auth.NewRegistry(provider, fake, discardLogger())
	t.Cleanup(registry.Close)

	store := quota.NewMemoryStore()
	trackers := quota.NewTrackers(store, quota.WithDefaultLimit(3))
	t.Cleanup(trackers.Close)

	inflight := extraction.NewInflight()
	stub := &extractorStub{}
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	env := &testEnv{
		clock:     fake,
		provider:  provider,
		registry:  registry,
		store:     store,
		trackers:  trackers,
		recipes:   recipes.NewService(recipes.NewInMemoryRepository(nil)),
		forms:     formstate.NewStore(fake, 0),
		inflight:  inflight,
		extractor: stub,
		limiter:   NewRateLimiter(100, fake, discardLogger()),
	}

	deps := Dependencies{
		Config:         testConfig(),
		Logger:         discardLogger(),
		Sessions:       registry,
		SignInProvider: "google",
		Extractor:      gate.NewSecureExtractor(stub, gate.WithInflight(inflight), gate.WithDecisionRecorder(collector)),
		Inflight:       inflight,
		Trackers:       trackers,
		Recipes:        env.recipes,
		Forms:          env.forms,
		Limiter:        env.limiter,
		Metrics:        reg,
		UploadRules:    validation.DefaultRules(),
	}
	for _, fn := range customize {
		fn(&deps)
	}
	env.router = NewRouter(deps)
	return env
}

// signIn stores a valid session under a fresh key and returns the key.
func (e *testEnv) signIn(t *testing.T, role string) (string, auth.User) {
	t.Helper()
	key, err := auth.NewSessionKey()
	if err != nil {
		t.Fatalf("session key: %v", err)
	}
	user := auth.User{
		ID:          uuid.New(),
		Email:       "cook@example.com",
		Name:        "Cook",
		AppMetadata: auth.AppMetadata{Role: role},
	}
	e.provider.put(key, &auth.Session{
		ID:          uuid.New(),
		AccessToken: "access-" + key,
		ExpiresAt:   testStart.Add(time.Hour),
		User:        user,
	})
	return key, user
}

func (e *testEnv) do(req *http.Request, sessionKey string) *httptest.ResponseRecorder {
	if sessionKey != "" {
		req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: sessionKey})
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}
