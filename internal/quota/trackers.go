package quota

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Trackers shares one Tracker per user across that user's sessions.
type Trackers struct {
	store Store
	opts  []TrackerOption

	mu      sync.Mutex
	entries map[uuid.UUID]*trackerEntry
}

type trackerEntry struct {
	tracker *Tracker
	ready   chan struct{}
}

// NewTrackers returns an empty registry. opts apply to every tracker.
func NewTrackers(store Store, opts ...TrackerOption) *Trackers {
	return &Trackers{
		store:   store,
		opts:    opts,
		entries: make(map[uuid.UUID]*trackerEntry),
	}
}

// For returns the tracker of userID, fetching and watching it on first use.
// Concurrent first callers wait for the same fetch. A fetch error is
// returned alongside the tracker, which then holds the fallback record and
// retries on the next call.
func (r *Trackers) For(ctx context.Context, userID uuid.UUID, isAdmin bool) (*Tracker, error) {
	r.mu.Lock()
	entry, ok := r.entries[userID]
	if ok {
		r.mu.Unlock()
		select {
		case <-entry.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		entry.tracker.SetAdmin(isAdmin)
		entry.tracker.touch()
		if entry.tracker.View().Fallback {
			return entry.tracker, entry.tracker.Fetch(ctx)
		}
		return entry.tracker, nil
	}

	tracker := NewTracker(r.store, userID, isAdmin, r.opts...)
	entry = &trackerEntry{tracker: tracker, ready: make(chan struct{})}
	r.entries[userID] = entry
	r.mu.Unlock()
	defer close(entry.ready)

	if err := tracker.Watch(ctx); err != nil {
		tracker.logger.Warn("quota watch failed", "user_id", userID, "error", err)
	}
	return tracker, tracker.Fetch(ctx)
}

// Release stops watching userID and forgets its tracker.
func (r *Trackers) Release(userID uuid.UUID) {
	r.mu.Lock()
	entry, ok := r.entries[userID]
	delete(r.entries, userID)
	r.mu.Unlock()

	if ok {
		entry.tracker.Close()
	}
}

// Prune releases trackers that have not been used for idle and have no
// reservation or increment running. It returns how many were released.
func (r *Trackers) Prune(idle time.Duration) int {
	r.mu.Lock()
	var stale []*Tracker
	for userID, entry := range r.entries {
		select {
		case <-entry.ready:
		default:
			continue
		}
		t := entry.tracker
		if t.Busy() || t.clock.Now().Sub(t.IdleSince()) < idle {
			continue
		}
		stale = append(stale, t)
		delete(r.entries, userID)
	}
	r.mu.Unlock()

	for _, t := range stale {
		t.Close()
	}
	return len(stale)
}

// Len returns the number of tracked users.
func (r *Trackers) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close releases every tracker.
func (r *Trackers) Close() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[uuid.UUID]*trackerEntry)
	r.mu.Unlock()

	for _, entry := range entries {
		entry.tracker.Close()
	}
}
