package auth

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"recipereader/internal/platform/clock"
)

const initializeTimeout = 10 * time.Second

// Registry holds one Manager per browser key. Managers are created and
// initialized on first use and closed on removal.
type Registry struct {
	provider IdentityProvider
	clock    clock.Clock
	logger   *slog.Logger
	opts     []ManagerOption

	mu      sync.Mutex
	entries map[string]*registryEntry
}

type registryEntry struct {
	manager  *Manager
	ready    chan struct{}
	lastSeen time.Time
}

// NewRegistry returns an empty registry. opts are applied to every manager.
func NewRegistry(provider IdentityProvider, c clock.Clock, logger *slog.Logger, opts ...ManagerOption) *Registry {
	if c == nil {
		c = clock.System{}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	managerOpts := append([]ManagerOption{WithClock(c), WithManagerLogger(logger)}, opts...)

	return &Registry{
		provider: provider,
		clock:    c,
		logger:   logger,
		opts:     managerOpts,
		entries:  make(map[string]*registryEntry),
	}
}

// Get returns the manager for key, creating and initializing it if needed.
// Concurrent callers for a new key wait for the same initialization.
func (r *Registry) Get(ctx context.Context, key string) (*Manager, error) {
	if key == "" {
		return nil, ErrMissingSessionKey
	}

	r.mu.Lock()
	entry, ok := r.entries[key]
	if ok {
		entry.lastSeen = r.clock.Now()
		r.mu.Unlock()
		select {
		case <-entry.ready:
			return entry.manager, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	manager := NewManager(key, r.provider, r.opts...)
	entry = &registryEntry{manager: manager, ready: make(chan struct{}), lastSeen: r.clock.Now()}
	r.entries[key] = entry
	r.mu.Unlock()

	manager.SubscribeToAuthEvents()

	initCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), initializeTimeout)
	if err := manager.Initialize(initCtx); err != nil {
		r.logger.Warn("session manager initialize failed", "error", err)
	}
	cancel()
	close(entry.ready)

	return manager, nil
}

// Peek returns the manager for key without creating one.
func (r *Registry) Peek(key string) *Manager {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok {
		return nil
	}
	return entry.manager
}

// Remove closes and forgets the manager for key.
func (r *Registry) Remove(key string) {
	r.mu.Lock()
	entry, ok := r.entries[key]
	delete(r.entries, key)
	r.mu.Unlock()

	if ok {
		entry.manager.Close()
	}
}

// Prune closes managers that have not been used for idle and hold no valid
// session. It returns how many were removed.
func (r *Registry) Prune(idle time.Duration) int {
	cutoff := r.clock.Now().Add(-idle)

	r.mu.Lock()
	var stale []*Manager
	for key, entry := range r.entries {
		select {
		case <-entry.ready:
		default:
			continue
		}
		if entry.lastSeen.After(cutoff) {
			continue
		}
		if entry.manager.Snapshot().Authenticated(r.clock.Now()) {
			continue
		}
		stale = append(stale, entry.manager)
		delete(r.entries, key)
	}
	r.mu.Unlock()

	for _, m := range stale {
		m.Close()
	}
	return len(stale)
}

// SignedIn reports whether any live manager holds an authenticated session
// for userID.
func (r *Registry) SignedIn(userID uuid.UUID) bool {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entry := range r.entries {
		select {
		case <-entry.ready:
		default:
			continue
		}
		state := entry.manager.Snapshot()
		if state.Authenticated(now) && state.Session.User.ID == userID {
			return true
		}
	}
	return false
}

// Len returns the number of live managers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close closes every manager.
func (r *Registry) Close() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*registryEntry)
	r.mu.Unlock()

	for _, entry := range entries {
		entry.manager.Close()
	}
}
