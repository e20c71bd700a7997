package quota

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

// Tier is the display classification of usage.
type Tier string

const (
	TierNominal  Tier = "nominal"
	TierWarning  Tier = "warning"
	TierCritical Tier = "critical"
)

// IncrementRecorder observes usage increments.
type IncrementRecorder interface {
	ObserveIncrement(outcome string)
}

// View is a derived, read-only snapshot of a tracker.
type View struct {
	Used       int       `json:"used"`
	Limit      int       `json:"limit"`
	Remaining  int       `json:"remaining"`
	Unlimited  bool      `json:"unlimited"`
	Percentage float64   `json:"percentage"`
	Tier       Tier      `json:"tier"`
	IsAdmin    bool      `json:"isAdmin"`
	HasQuota   bool      `json:"hasQuota"`
	Fallback   bool      `json:"fallback"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Tracker answers whether one user may make another extraction request.
// The gateway is the counter of record: usage only grows through
// IncrementUsage, a committed Reservation or a pushed change from the store.
//
// record always holds the last row the store answered with, so stale checks
// compare store timestamps only. Local increments the store has not
// confirmed yet are counted in unconfirmed, and running reservations in
// pending; both count against the limit.
type Tracker struct {
	userID       uuid.UUID
	store        Store
	clock        clock.Clock
	logger       *slog.Logger
	recorder     IncrementRecorder
	defaultLimit int

	mu          sync.RWMutex
	record      Record
	isAdmin     bool
	fallback    bool
	unconfirmed int
	pending     int
	lastUsed    time.Time
	unsubscribe func()
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithTrackerClock sets the clock used for idle accounting.
func WithTrackerClock(c clock.Clock) TrackerOption {
	return func(t *Tracker) {
		if c != nil {
			t.clock = c
		}
	}
}

// WithTrackerLogger sets the logger.
func WithTrackerLogger(logger *slog.Logger) TrackerOption {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithDefaultLimit sets the limit for new rows and for the read fallback.
func WithDefaultLimit(limit int) TrackerOption {
	return func(t *Tracker) {
		if limit > 0 {
			t.defaultLimit = limit
		}
	}
}

// WithIncrementRecorder sets the metrics recorder.
func WithIncrementRecorder(r IncrementRecorder) TrackerOption {
	return func(t *Tracker) {
		t.recorder = r
	}
}

// NewTracker returns a tracker for userID. isAdmin must come from trusted
// session claims.
func NewTracker(store Store, userID uuid.UUID, isAdmin bool, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		userID:       userID,
		store:        store,
		clock:        clock.System{},
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		defaultLimit: DefaultLimit,
		isAdmin:      isAdmin,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.record = Record{UserID: userID, RequestsLimit: t.defaultLimit}
	t.lastUsed = t.clock.Now()
	return t
}

// UserID returns the tracked user.
func (t *Tracker) UserID() uuid.UUID {
	return t.userID
}

// Fetch reads the user's row. On a read error the tracker falls back to zero
// usage at the default limit with no admin bypass, and the error is
// returned so callers can report it.
func (t *Tracker) Fetch(ctx context.Context) error {
	record, err := t.store.Get(ctx, t.userID, t.defaultLimit)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastUsed = t.clock.Now()

	if err != nil {
		// Zero UpdatedAt so the next push from the store always applies.
		t.record = Record{UserID: t.userID, RequestsLimit: t.defaultLimit}
		t.fallback = true
		t.logger.Warn("quota read failed; using fallback", "user_id", t.userID, "limit", t.defaultLimit, "error", err)
		return fmt.Errorf("fetch quota: %w", err)
	}

	t.record = record
	t.fallback = false
	return nil
}

// SetAdmin updates the admin flag from refreshed session claims.
func (t *Tracker) SetAdmin(isAdmin bool) {
	t.mu.Lock()
	t.isAdmin = isAdmin
	t.mu.Unlock()
}

// IsAdmin reports whether the user bypasses the limit.
func (t *Tracker) IsAdmin() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.effectiveAdmin()
}

func (t *Tracker) effectiveAdmin() bool {
	return t.isAdmin && !t.fallback
}

func (t *Tracker) used() int {
	return t.record.RequestsUsed + t.unconfirmed
}

// HasQuota reports whether one more request is allowed. Reserve is the
// authoritative check for a call that is about to run.
func (t *Tracker) HasQuota() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.effectiveAdmin() || t.used() < t.record.RequestsLimit
}

// Reservation is one extraction counted against the limit while it runs.
// Commit turns it into a usage increment; Release gives the slot back.
// Calls after the first Commit or Release are no-ops.
type Reservation interface {
	Commit(ctx context.Context) error
	Release()
}

type reservation struct {
	tracker *Tracker
	counted bool
	done    bool
}

// Reserve claims one request slot. It fails when used, unconfirmed and
// pending requests together already reach the limit. Admin reservations
// always succeed and hold no slot.
func (t *Tracker) Reserve() (Reservation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastUsed = t.clock.Now()

	if t.effectiveAdmin() {
		return &reservation{tracker: t}, true
	}
	if t.used()+t.pending >= t.record.RequestsLimit {
		return nil, false
	}
	t.pending++
	return &reservation{tracker: t, counted: true}, true
}

func (r *reservation) Commit(ctx context.Context) error {
	t := r.tracker
	t.mu.Lock()
	if r.done {
		t.mu.Unlock()
		return nil
	}
	r.done = true
	if r.counted {
		t.pending--
	}
	t.unconfirmed++
	t.mu.Unlock()

	return t.confirm(ctx)
}

func (r *reservation) Release() {
	t := r.tracker
	t.mu.Lock()
	defer t.mu.Unlock()
	if r.done {
		return
	}
	r.done = true
	if r.counted {
		t.pending--
	}
}

// Remaining returns the requests left. Admins are unlimited.
func (t *Tracker) Remaining() (int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.remaining()
}

func (t *Tracker) remaining() (int, bool) {
	if t.effectiveAdmin() {
		return 0, true
	}
	return max(t.record.RequestsLimit-t.used(), 0), false
}

// Percentage returns usage as a percentage of the limit, capped at 100. It
// is 0 for admins.
func (t *Tracker) Percentage() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.percentage()
}

func (t *Tracker) percentage() float64 {
	if t.effectiveAdmin() || t.record.RequestsLimit <= 0 {
		return 0
	}
	p := float64(t.used()) / float64(t.record.RequestsLimit) * 100
	return min(p, 100)
}

// Tier classifies the current usage percentage.
func (t *Tracker) Tier() Tier {
	return TierFor(t.Percentage())
}

// TierFor classifies a usage percentage.
func TierFor(percentage float64) Tier {
	switch {
	case percentage >= 90:
		return TierCritical
	case percentage >= 70:
		return TierWarning
	default:
		return TierNominal
	}
}

// View returns the derived snapshot.
func (t *Tracker) View() View {
	t.mu.RLock()
	defer t.mu.RUnlock()

	remaining, unlimited := t.remaining()
	percentage := t.percentage()
	return View{
		Used:       t.used(),
		Limit:      t.record.RequestsLimit,
		Remaining:  remaining,
		Unlimited:  unlimited,
		Percentage: percentage,
		Tier:       TierFor(percentage),
		IsAdmin:    t.effectiveAdmin(),
		HasQuota:   t.effectiveAdmin() || t.used() < t.record.RequestsLimit,
		Fallback:   t.fallback,
		UpdatedAt:  t.record.UpdatedAt,
	}
}

// IncrementUsage records one completed extraction outside a reservation.
// The local counter moves first and is never rolled back; a failed remote
// update is logged and returned.
func (t *Tracker) IncrementUsage(ctx context.Context) error {
	t.mu.Lock()
	t.unconfirmed++
	t.lastUsed = t.clock.Now()
	t.mu.Unlock()

	return t.confirm(ctx)
}

// confirm writes one unconfirmed increment to the store. The store's answer
// is adopted unless a newer row has already been seen; on failure the
// increment stays in the local counter.
func (t *Tracker) confirm(ctx context.Context) error {
	record, err := t.store.Increment(ctx, t.userID, 1)

	t.mu.Lock()
	t.unconfirmed--
	if err != nil {
		t.record.RequestsUsed++
	} else if !record.UpdatedAt.Before(t.record.UpdatedAt) {
		t.adopt(record)
	}
	t.mu.Unlock()

	if err != nil {
		t.observe("failure")
		t.logger.Warn("quota increment failed", "user_id", t.userID, "error", err)
		return fmt.Errorf("increment quota: %w", err)
	}
	t.observe("success")
	return nil
}

func (t *Tracker) adopt(record Record) {
	t.record.RequestsUsed = record.RequestsUsed
	if record.RequestsLimit > 0 {
		t.record.RequestsLimit = record.RequestsLimit
	}
	t.record.UpdatedAt = record.UpdatedAt
	t.fallback = false
}

func (t *Tracker) observe(outcome string) {
	if t.recorder != nil {
		t.recorder.ObserveIncrement(outcome)
	}
}

// ApplyRemote applies a pushed record, reporting whether it replaced local
// state. Records for other users or older than the last row seen from the
// store are dropped.
func (t *Tracker) ApplyRemote(record Record) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if record.UserID != t.userID {
		return false
	}
	if record.UpdatedAt.Before(t.record.UpdatedAt) {
		t.logger.Debug("stale quota push dropped", "user_id", t.userID, "pushed_at", record.UpdatedAt, "last_seen", t.record.UpdatedAt)
		return false
	}

	t.adopt(record)
	return true
}

// Busy reports whether a reservation or an increment is still running.
func (t *Tracker) Busy() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pending > 0 || t.unconfirmed > 0
}

func (t *Tracker) touch() {
	t.mu.Lock()
	t.lastUsed = t.clock.Now()
	t.mu.Unlock()
}

// IdleSince returns the last time the tracker was fetched, reserved or
// incremented.
func (t *Tracker) IdleSince() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastUsed
}

// Watch subscribes to pushed changes for the user. Calling Watch again
// replaces the previous subscription.
func (t *Tracker) Watch(ctx context.Context) error {
	unsubscribe, err := t.store.Subscribe(ctx, t.userID, func(r Record) { t.ApplyRemote(r) })
	if err != nil {
		return fmt.Errorf("subscribe quota: %w", err)
	}

	t.mu.Lock()
	previous := t.unsubscribe
	t.unsubscribe = unsubscribe
	t.mu.Unlock()

	if previous != nil {
		previous()
	}
	return nil
}

// Close ends the live subscription.
func (t *Tracker) Close() {
	t.mu.Lock()
	unsubscribe := t.unsubscribe
	t.unsubscribe = nil
	t.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}
