package auth

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"recipereader/internal/platform/clock"
)

const (
	// RefreshMargin is how long before expiry a scheduled refresh fires.
	RefreshMargin = 5 * time.Minute
	// WatchdogInterval is the period of the validity check that runs once a
	// session is close to expiry.
	WatchdogInterval = 30 * time.Second
	// WatchdogThreshold is the remaining lifetime under which the validity
	// check runs.
	WatchdogThreshold = 60 * time.Second

	timerCallTimeout = 30 * time.Second
)

// RefreshRecorder observes refresh attempts.
type RefreshRecorder interface {
	ObserveRefresh(outcome string)
}

// Manager owns the session of one browser key. Only the manager mutates its
// state; readers use Snapshot.
type Manager struct {
	key      string
	provider IdentityProvider
	clock    clock.Clock
	logger   *slog.Logger
	recorder RefreshRecorder
	refresh  *clock.Slot
	watchdog *clock.Slot

	mu          sync.RWMutex
	status      Status
	session     *Session
	loading     bool
	lastErr     string
	refreshing  bool
	epoch       uint64
	unsubscribe func()
	closed      bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithClock sets the clock used for expiry checks and timers.
func WithClock(c clock.Clock) ManagerOption {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithManagerLogger sets the logger.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithRefreshRecorder sets the metrics recorder for refresh attempts.
func WithRefreshRecorder(r RefreshRecorder) ManagerOption {
	return func(m *Manager) {
		m.recorder = r
	}
}

// NewManager returns a manager for key in the checking state. Call
// Initialize to load the current session.
func NewManager(key string, provider IdentityProvider, opts ...ManagerOption) *Manager {
	m := &Manager{
		key:      key,
		provider: provider,
		clock:    clock.System{},
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		status:   StatusChecking,
		loading:  true,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.refresh = clock.NewSlot(m.clock)
	m.watchdog = clock.NewSlot(m.clock)
	return m
}

// Key returns the browser key the manager is bound to.
func (m *Manager) Key() string {
	return m.key
}

// Initialize fetches the current session from the provider. A provider error
// leaves the manager invalid with the error kept in LastError.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	m.status = StatusChecking
	m.loading = true
	epoch := m.epoch
	m.mu.Unlock()

	session, err := m.provider.CurrentSession(ctx, m.key)

	m.mu.Lock()
	if epoch != m.epoch {
		// A push event settled the state while the fetch was in flight.
		m.loading = false
		m.mu.Unlock()
		return nil
	}
	m.loading = false

	if err != nil {
		m.status = StatusInvalid
		m.session = nil
		m.lastErr = fmt.Sprintf("could not load session: %v", err)
		m.mu.Unlock()
		m.logger.Warn("session initialize failed", "error", err)
		return fmt.Errorf("initialize session: %w", err)
	}

	if session == nil || session.AccessToken == "" || session.User.ID == uuid.Nil {
		m.status = StatusInvalid
		m.session = nil
		m.mu.Unlock()
		return nil
	}

	m.session = session.clone()
	if session.Valid(m.clock.Now()) {
		m.status = StatusValid
		m.lastErr = ""
		m.mu.Unlock()
		m.ScheduleRefresh(session)
		return nil
	}
	m.mu.Unlock()

	// Restored an expired session: one refresh attempt decides.
	m.refreshSession(ctx, "restore")
	return nil
}

// SubscribeToAuthEvents registers for provider pushes. The returned func
// unregisters; Close does so as well.
func (m *Manager) SubscribeToAuthEvents() func() {
	m.mu.Lock()
	if m.unsubscribe == nil {
		m.unsubscribe = m.provider.Subscribe(m.key, m.handleEvent)
	}
	m.mu.Unlock()

	return m.unsubscribeEvents
}

func (m *Manager) unsubscribeEvents() {
	m.mu.Lock()
	unsub := m.unsubscribe
	m.unsubscribe = nil
	m.mu.Unlock()

	if unsub != nil {
		unsub()
	}
}

func (m *Manager) handleEvent(event Event) {
	m.mu.RLock()
	closed := m.closed
	hasSession := m.session != nil
	m.mu.RUnlock()
	if closed {
		return
	}

	switch event.Type {
	case EventSignedIn:
		if event.Session.Valid(m.clock.Now()) {
			m.applySignedIn(event.Session)
		}
	case EventTokenRefreshed:
		// A refresh never revives a session that has been cleared.
		if !hasSession || !event.Session.Valid(m.clock.Now()) {
			return
		}
		m.mu.Lock()
		m.session = event.Session.clone()
		m.status = StatusValid
		m.lastErr = ""
		m.mu.Unlock()
		m.ScheduleRefresh(event.Session)
	case EventSignedOut:
		// With no session left this confirms our own sign-out, which may
		// carry the error that caused it.
		m.clear(!hasSession)
	}
}

// ScheduleRefresh arms the single refresh timer for session. When less than
// RefreshMargin remains the refresh timer is dropped and the watchdog takes
// over.
func (m *Manager) ScheduleRefresh(session *Session) {
	if session == nil {
		m.refresh.Cancel()
		m.watchdog.Cancel()
		return
	}

	remaining := session.Remaining(m.clock.Now())
	if remaining > RefreshMargin {
		m.watchdog.Cancel()
		m.refresh.Arm(remaining-RefreshMargin, m.onRefreshTimer)
		m.logger.Debug("session refresh scheduled", "in", (remaining - RefreshMargin).String())
		return
	}

	m.refresh.Cancel()
	delay := WatchdogInterval
	if remaining > WatchdogThreshold {
		delay = remaining - WatchdogThreshold
	}
	m.watchdog.Arm(delay, m.onWatchdog)
}

func (m *Manager) onRefreshTimer() {
	ctx, cancel := context.WithTimeout(context.Background(), timerCallTimeout)
	defer cancel()
	m.refreshSession(ctx, "scheduled")
}

func (m *Manager) onWatchdog() {
	ctx, cancel := context.WithTimeout(context.Background(), timerCallTimeout)
	defer cancel()

	if !m.ValidateSession(ctx) {
		return
	}

	m.mu.RLock()
	session := m.session.clone()
	m.mu.RUnlock()

	if session != nil && !m.refresh.Pending() && !m.watchdog.Pending() {
		m.ScheduleRefresh(session)
	}
}

// ValidateSession reports whether a usable session exists. An expired
// session gets one refresh attempt; if that fails the manager signs out.
func (m *Manager) ValidateSession(ctx context.Context) bool {
	m.mu.RLock()
	session := m.session.clone()
	m.mu.RUnlock()

	if session == nil {
		return false
	}

	if session.AccessToken == "" || session.User.ID == uuid.Nil {
		m.mu.Lock()
		m.lastErr = "session is malformed"
		m.mu.Unlock()
		m.signOut(ctx, true)
		return false
	}

	if m.clock.Now().Before(session.ExpiresAt) {
		return true
	}

	return m.refreshSession(ctx, "expired")
}

// refreshSession runs at most one provider refresh at a time. Overlapping
// callers return the current validity without calling the provider.
func (m *Manager) refreshSession(ctx context.Context, reason string) bool {
	m.mu.Lock()
	if m.refreshing || m.session == nil {
		valid := m.session.Valid(m.clock.Now())
		m.mu.Unlock()
		return valid
	}
	m.refreshing = true
	if m.status == StatusValid {
		m.status = StatusRefreshing
	}
	current := m.session.clone()
	epoch := m.epoch
	m.mu.Unlock()

	updated, err := m.provider.Refresh(ctx, m.key, current)

	m.mu.Lock()
	m.refreshing = false
	if epoch != m.epoch {
		gone := m.session == nil
		valid := m.session.Valid(m.clock.Now())
		m.mu.Unlock()
		if err == nil && gone {
			// Signed out while the refresh was in flight; drop what it stored.
			_ = m.provider.SignOut(ctx, m.key)
		}
		return valid
	}

	if err != nil || !updated.Valid(m.clock.Now()) {
		if err == nil {
			err = fmt.Errorf("provider returned an unusable session")
		}
		m.status = StatusExpired
		m.lastErr = fmt.Sprintf("session refresh failed: %v", err)
		m.mu.Unlock()

		m.record("failure")
		m.logger.Warn("session refresh failed", "reason", reason, "error", err)
		m.signOut(ctx, true)
		return false
	}

	m.session = updated.clone()
	m.status = StatusValid
	m.lastErr = ""
	m.mu.Unlock()

	m.record("success")
	m.logger.Debug("session refreshed", "reason", reason, "expires_at", updated.ExpiresAt)
	m.ScheduleRefresh(updated)
	return true
}

func (m *Manager) record(outcome string) {
	if m.recorder != nil {
		m.recorder.ObserveRefresh(outcome)
	}
}

// SignInWithOAuth returns the provider consent URL for state.
func (m *Manager) SignInWithOAuth(provider, state string) (string, error) {
	authURL, err := m.provider.AuthURL(provider, state)
	if err != nil {
		m.mu.Lock()
		m.lastErr = err.Error()
		m.mu.Unlock()
		return "", err
	}
	return authURL, nil
}

// CompleteSignIn finishes the provider flow and makes the new session
// current.
func (m *Manager) CompleteSignIn(ctx context.Context, provider, code string) (*Session, error) {
	m.mu.Lock()
	m.loading = true
	m.mu.Unlock()

	session, err := m.provider.SignIn(ctx, m.key, provider, code)
	if err != nil {
		m.mu.Lock()
		m.loading = false
		m.lastErr = err.Error()
		m.mu.Unlock()
		return nil, err
	}

	m.applySignedIn(session)
	return session.clone(), nil
}

func (m *Manager) applySignedIn(session *Session) {
	m.mu.Lock()
	m.epoch++
	m.session = session.clone()
	m.status = StatusValid
	m.loading = false
	m.lastErr = ""
	m.mu.Unlock()

	m.ScheduleRefresh(session)
}

// SignOut cancels pending timers, clears the session and revokes it at the
// provider.
func (m *Manager) SignOut(ctx context.Context) error {
	return m.signOut(ctx, false)
}

func (m *Manager) signOut(ctx context.Context, keepError bool) error {
	m.clear(keepError)

	if err := m.provider.SignOut(ctx, m.key); err != nil {
		m.mu.Lock()
		m.lastErr = fmt.Sprintf("sign out failed: %v", err)
		m.mu.Unlock()
		return fmt.Errorf("sign out: %w", err)
	}
	return nil
}

// clear stops both timers before the session is dropped so neither can fire
// against a cleared session.
func (m *Manager) clear(keepError bool) {
	m.refresh.Cancel()
	m.watchdog.Cancel()

	m.mu.Lock()
	m.epoch++
	m.session = nil
	m.status = StatusInvalid
	m.loading = false
	if !keepError {
		m.lastErr = ""
	}
	m.mu.Unlock()
}

// Snapshot returns a copy of the current state.
func (m *Manager) Snapshot() State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return State{
		Status:  m.status,
		Session: m.session.clone(),
		Loading: m.loading,
		Error:   m.lastErr,
	}
}

// LastError returns the last displayable error, if any.
func (m *Manager) LastError() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

// Now returns the manager's notion of the current time.
func (m *Manager) Now() time.Time {
	return m.clock.Now()
}

// Close stops timers and unregisters from provider events.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.refresh.Cancel()
	m.watchdog.Cancel()
	m.unsubscribeEvents()
}
