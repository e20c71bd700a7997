package gate

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"recipereader/internal/auth"
	"recipereader/internal/extraction"
	"recipereader/internal/platform/clock"
	"recipereader/internal/quota"
)

var baseTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type extractorStub struct {
	mu      sync.Mutex
	calls   int
	tokens  []string
	timeout time.Duration
	result  func(ctx context.Context) (*extraction.Result, error)
}

func (s *extractorStub) Timeout(extraction.Kind) time.Duration {
	return s.timeout
}

func (s *extractorStub) call(ctx context.Context, token string) (*extraction.Result, error) {
	s.mu.Lock()
	s.calls++
	s.tokens = append(s.tokens, token)
	s.mu.Unlock()
	if s.result != nil {
		return s.result(ctx)
	}
	return goodResult(), nil
}

func (s *extractorStub) ExtractText(ctx context.Context, token string, _ extraction.TextRequest) (*extraction.Result, error) {
	return s.call(ctx, token)
}

func (s *extractorStub) ExtractURL(ctx context.Context, token string, _ extraction.URLRequest) (*extraction.Result, error) {
	return s.call(ctx, token)
}

func (s *extractorStub) ExtractImages(ctx context.Context, token string, _ extraction.ImageRequest) (*extraction.Result, error) {
	return s.call(ctx, token)
}

func (s *extractorStub) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type usageStub struct {
	hasQuota   bool
	isAdmin    bool
	remaining  int
	increments int
	incErr     error
	reads      int
}

func (u *usageStub) HasQuota() bool {
	u.reads++
	return u.hasQuota
}

func (u *usageStub) IsAdmin() bool {
	u.reads++
	return u.isAdmin
}

func (u *usageStub) Remaining() (int, bool) {
	u.reads++
	return u.remaining, u.isAdmin
}

func (u *usageStub) Reserve() (quota.Reservation, bool) {
	if !u.hasQuota && !u.isAdmin {
		return nil, false
	}
	return &reservationStub{usage: u}, true
}

type reservationStub struct {
	usage *usageStub
	done  bool
}

func (r *reservationStub) Commit(context.Context) error {
	if r.done {
		return nil
	}
	r.done = true
	r.usage.increments++
	return r.usage.incErr
}

func (r *reservationStub) Release() {
	r.done = true
}

func goodResult() *extraction.Result {
	return &extraction.Result{
		Recipe: &extraction.Recipe{
			Name:         "Pancakes",
			Ingredients:  []extraction.Ingredient{{Item: "flour", Amount: "200", Unit: "g"}},
			Instructions: []string{"Mix.", "Fry."},
		},
		ConfidenceScore: 0.9,
		ProcessingTime:  1.2,
	}
}

func signedIn() *AuthState {
	return &AuthState{
		Now: baseTime,
		State: auth.State{
			Status: auth.StatusValid,
			Session: &auth.Session{
				ID:          uuid.New(),
				AccessToken: "access-token",
				ExpiresAt:   baseTime.Add(time.Hour),
				User:        auth.User{ID: uuid.New(), Email: "cook@example.com"},
			},
		},
	}
}

func TestCheckPermissionAuthenticationFirst(t *testing.T) {
	expired := signedIn()
	expired.Now = baseTime.Add(2 * time.Hour)

	noUser := signedIn()
	noUser.State.Session.User.ID = uuid.Nil

	noToken := signedIn()
	noToken.State.Session.AccessToken = ""

	tests := []struct {
		name   string
		state  *AuthState
		reason string
	}{
		{name: "missing context", state: nil, reason: "unavailable"},
		{name: "checking", state: &AuthState{State: auth.State{Status: auth.StatusChecking}}, reason: "loading"},
		{name: "loading", state: &AuthState{State: auth.State{Status: auth.StatusValid, Loading: true}}, reason: "loading"},
		{name: "invalid", state: &AuthState{State: auth.State{Status: auth.StatusInvalid}}, reason: "not signed in"},
		{name: "expired status", state: &AuthState{State: auth.State{Status: auth.StatusExpired}}, reason: "not signed in"},
		{name: "valid without session", state: &AuthState{State: auth.State{Status: auth.StatusValid}}, reason: "malformed"},
		{name: "session without user", state: noUser, reason: "malformed"},
		{name: "session without token", state: noToken, reason: "malformed"},
		{name: "expired session", state: expired, reason: "expired"},
	}

	for _, tt := range tests {
		for _, usage := range []*usageStub{
			{hasQuota: true, remaining: 3},
			{hasQuota: false},
			{isAdmin: true, hasQuota: true},
		} {
			t.Run(tt.name, func(t *testing.T) {
				decision := CheckPermission(tt.state, usage)

				require.False(t, decision.Allowed)
				require.Equal(t, KindAuthentication, decision.Kind)
				require.Contains(t, decision.Reason, tt.reason)
				require.Zero(t, usage.reads, "quota must not be consulted before authentication passes")

				var authErr *AuthenticationError
				require.ErrorAs(t, decision.Err(), &authErr)
			})
		}
	}
}

func TestCheckPermissionQuota(t *testing.T) {
	tests := []struct {
		name    string
		usage   QuotaView
		allowed bool
		kind    Kind
	}{
		{name: "has quota", usage: &usageStub{hasQuota: true, remaining: 2}, allowed: true},
		{name: "exhausted", usage: &usageStub{hasQuota: false}, kind: KindRateLimit},
		{name: "admin", usage: &usageStub{isAdmin: true}, allowed: true},
		{name: "no tracker", usage: nil, kind: KindOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision := CheckPermission(signedIn(), tt.usage)

			require.Equal(t, tt.allowed, decision.Allowed)
			require.Equal(t, tt.kind, decision.Kind)
		})
	}
}

func TestCheckPermissionRefreshingIsAuthenticated(t *testing.T) {
	state := signedIn()
	state.State.Status = auth.StatusRefreshing

	require.True(t, CheckPermission(state, &usageStub{hasQuota: true}).Allowed)
}

func TestAdminAtLimitIsAllowed(t *testing.T) {
	store := quota.NewMemoryStore()
	userID := uuid.New()
	_, err := store.Get(context.Background(), userID, 5)
	require.NoError(t, err)
	_, err = store.Increment(context.Background(), userID, 5)
	require.NoError(t, err)

	tracker := quota.NewTracker(store, userID, true)
	require.NoError(t, tracker.Fetch(context.Background()))

	require.True(t, tracker.HasQuota())
	require.True(t, CheckPermission(signedIn(), tracker).Allowed)
}

func TestHappyPathTextIncrementsUsage(t *testing.T) {
	fake := clock.NewFake(baseTime)
	store := quota.NewMemoryStore()
	state := signedIn()
	userID := state.State.Session.User.ID
	_, err := store.Get(context.Background(), userID, 5)
	require.NoError(t, err)
	_, err = store.Increment(context.Background(), userID, 2)
	require.NoError(t, err)

	tracker := quota.NewTracker(store, userID, false)
	require.NoError(t, tracker.Fetch(context.Background()))
	client := &extractorStub{timeout: 30 * time.Second}
	gate := NewSecureExtractor(client, WithGateClock(fake))

	result, err := gate.ExtractText(context.Background(), Call{Auth: state, Quota: tracker}, extraction.TextRequest{Text: strings.Repeat("a", 600)})

	require.NoError(t, err)
	require.Equal(t, "Pancakes", result.Recipe.Name)
	require.Equal(t, 1, client.Calls())
	require.Equal(t, []string{"access-token"}, client.tokens)
	view := tracker.View()
	require.Equal(t, 3, view.Used)
	require.Equal(t, 5, view.Limit)
}

func TestConcurrentCallsCannotOverrunQuota(t *testing.T) {
	store := quota.NewMemoryStore()
	state := signedIn()
	userID := state.State.Session.User.ID
	_, err := store.Get(context.Background(), userID, 5)
	require.NoError(t, err)
	_, err = store.Increment(context.Background(), userID, 4)
	require.NoError(t, err)

	tracker := quota.NewTracker(store, userID, false)
	require.NoError(t, tracker.Fetch(context.Background()))

	const callers = 5
	release := make(chan struct{})
	client := &extractorStub{timeout: time.Minute, result: func(context.Context) (*extraction.Result, error) {
		<-release
		return goodResult(), nil
	}}
	gate := NewSecureExtractor(client)

	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := gate.ExtractText(context.Background(), Call{Auth: state, Quota: tracker}, extraction.TextRequest{Text: "soup"})
			errs <- err
		}()
	}

	require.Eventually(t, func() bool { return len(errs) == callers-1 }, time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	var allowed, limited int
	for err := range errs {
		var rateErr *RateLimitError
		switch {
		case err == nil:
			allowed++
		case errors.As(err, &rateErr):
			limited++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, allowed)
	require.Equal(t, callers-1, limited)
	require.Equal(t, 1, client.Calls())
	require.Equal(t, 5, tracker.View().Used)
	require.False(t, tracker.Busy())
}

func TestTransportErrorReturnsQuotaSlot(t *testing.T) {
	store := quota.NewMemoryStore()
	state := signedIn()
	userID := state.State.Session.User.ID
	_, err := store.Get(context.Background(), userID, 1)
	require.NoError(t, err)
	tracker := quota.NewTracker(store, userID, false)
	require.NoError(t, tracker.Fetch(context.Background()))

	failing := NewSecureExtractor(&extractorStub{result: func(context.Context) (*extraction.Result, error) {
		return nil, &extraction.APIError{Status: 502, Message: "bad gateway"}
	}})
	_, err = failing.ExtractText(context.Background(), Call{Auth: state, Quota: tracker}, extraction.TextRequest{Text: "soup"})
	require.Error(t, err)

	_, err = NewSecureExtractor(&extractorStub{}).ExtractText(context.Background(), Call{Auth: state, Quota: tracker}, extraction.TextRequest{Text: "soup"})
	require.NoError(t, err)
	require.Equal(t, 1, tracker.View().Used)
}

func TestQuotaExhaustedMakesNoCall(t *testing.T) {
	client := &extractorStub{}
	usage := &usageStub{hasQuota: false, remaining: 0}
	gate := NewSecureExtractor(client)

	_, err := gate.ExtractURL(context.Background(), Call{Auth: signedIn(), Quota: usage}, extraction.URLRequest{URL: "https://example.com/pie"})

	var rateErr *RateLimitError
	require.ErrorAs(t, err, &rateErr)
	require.Zero(t, rateErr.Remaining)
	require.Zero(t, client.Calls())
	require.Zero(t, usage.increments)
}

func TestUnauthenticatedMakesNoCall(t *testing.T) {
	client := &extractorStub{}
	gate := NewSecureExtractor(client)

	_, err := gate.ExtractImages(context.Background(), Call{Quota: &usageStub{hasQuota: true}}, extraction.ImageRequest{Images: [][]byte{{1}}})

	var authErr *AuthenticationError
	require.ErrorAs(t, err, &authErr)
	require.Zero(t, client.Calls())
}

func TestSoftFailureStillIncrementsUsage(t *testing.T) {
	client := &extractorStub{result: func(context.Context) (*extraction.Result, error) {
		return &extraction.Result{
			Recipe:          &extraction.Recipe{Name: "Unknown", Ingredients: []extraction.Ingredient{}},
			ConfidenceScore: 0.1,
		}, nil
	}}
	usage := &usageStub{hasQuota: true, remaining: 3}
	gate := NewSecureExtractor(client)

	result, err := gate.ExtractText(context.Background(), Call{Auth: signedIn(), Quota: usage}, extraction.TextRequest{Text: "soup"})

	require.Nil(t, result)
	var extErr *ExtractionError
	require.ErrorAs(t, err, &extErr)
	require.Equal(t, extraction.KindText, extErr.Kind)
	require.NotNil(t, extErr.Result)
	require.Equal(t, 1, usage.increments)
}

func TestIncrementFailureIsSwallowed(t *testing.T) {
	usage := &usageStub{hasQuota: true, remaining: 3, incErr: errors.New("store down")}
	gate := NewSecureExtractor(&extractorStub{})

	result, err := gate.ExtractText(context.Background(), Call{Auth: signedIn(), Quota: usage}, extraction.TextRequest{Text: "soup"})

	require.NoError(t, err)
	require.NotNil(t, result)
	require.Equal(t, 1, usage.increments)
}

func TestTransportErrorPassesThroughWithoutIncrement(t *testing.T) {
	apiErr := &extraction.APIError{Message: "no network connection", Details: extraction.Details{Offline: true}}
	client := &extractorStub{result: func(context.Context) (*extraction.Result, error) {
		return nil, apiErr
	}}
	usage := &usageStub{hasQuota: true, remaining: 3}
	gate := NewSecureExtractor(client)

	_, err := gate.ExtractURL(context.Background(), Call{Auth: signedIn(), Quota: usage}, extraction.URLRequest{URL: "https://example.com"})

	require.Same(t, apiErr, err)
	require.Zero(t, usage.increments)
}

func TestInflightCallCanBeCancelledByOwner(t *testing.T) {
	started := make(chan struct{})
	client := &extractorStub{timeout: time.Minute, result: func(ctx context.Context) (*extraction.Result, error) {
		close(started)
		<-ctx.Done()
		return nil, &extraction.APIError{Message: "request was cancelled", Details: extraction.Details{Cancelled: true}}
	}}
	inflight := extraction.NewInflight()
	usage := &usageStub{hasQuota: true, remaining: 3}
	gate := NewSecureExtractor(client, WithInflight(inflight))

	done := make(chan error, 1)
	go func() {
		_, err := gate.ExtractText(context.Background(), Call{Auth: signedIn(), Quota: usage, RequestID: "req-1", Owner: "browser-a"}, extraction.TextRequest{Text: "soup"})
		done <- err
	}()
	<-started

	require.False(t, inflight.Cancel("req-1", "browser-b"))
	require.True(t, inflight.Cancel("req-1", "browser-a"))

	err := <-done
	var apiErr *extraction.APIError
	require.ErrorAs(t, err, &apiErr)
	require.True(t, apiErr.Details.Cancelled)
	require.Zero(t, inflight.Len())
	require.Zero(t, usage.increments)
}

func TestTimeoutCancelsCall(t *testing.T) {
	fake := clock.NewFake(baseTime)
	started := make(chan struct{})
	client := &extractorStub{timeout: time.Second, result: func(ctx context.Context) (*extraction.Result, error) {
		close(started)
		<-ctx.Done()
		return nil, &extraction.APIError{Message: "request was cancelled", Details: extraction.Details{Cancelled: true}}
	}}
	gate := NewSecureExtractor(client, WithGateClock(fake))

	done := make(chan error, 1)
	go func() {
		_, err := gate.ExtractText(context.Background(), Call{Auth: signedIn(), Quota: &usageStub{hasQuota: true}}, extraction.TextRequest{Text: "soup"})
		done <- err
	}()
	<-started
	fake.Advance(time.Second)

	var apiErr *extraction.APIError
	require.ErrorAs(t, <-done, &apiErr)
	require.True(t, apiErr.Details.Cancelled)
	require.False(t, apiErr.Details.Timeout)
}

func TestSoftFailureClassification(t *testing.T) {
	withTag := goodResult()
	withTag.Recipe.Tags = []string{"dessert", TagImageExtractionFailed}

	lowConfidence := goodResult()
	lowConfidence.ConfidenceScore = 0.19

	atThreshold := goodResult()
	atThreshold.ConfidenceScore = MinConfidence

	noIngredients := goodResult()
	noIngredients.Recipe.Ingredients = nil

	tests := []struct {
		name   string
		result *extraction.Result
		failed bool
	}{
		{name: "good", result: goodResult()},
		{name: "failure tag", result: withTag, failed: true},
		{name: "low confidence", result: lowConfidence, failed: true},
		{name: "threshold confidence", result: atThreshold},
		{name: "no ingredients", result: noIngredients, failed: true},
		{name: "no recipe", result: &extraction.Result{ConfidenceScore: 1}, failed: true},
		{name: "nil", result: nil, failed: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason, failed := SoftFailure(tt.result)
			require.Equal(t, tt.failed, failed)
			if failed {
				require.NotEmpty(t, reason)
			}
		})
	}
}
