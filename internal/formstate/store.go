// Package formstate keeps unsubmitted form input across the external
// sign-in redirect. Entries are read once and expire after a TTL.
package formstate

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"recipereader/internal/platform/clock"
)

// DefaultTTL is how long saved input survives an abandoned sign-in.
const DefaultTTL = 15 * time.Minute

const maxFieldsBytes = 64 << 10

var (
	ErrNotFound = errors.New("form state not found")
	ErrTooLarge = errors.New("form state too large")
)

// State is the saved input of one form.
type State struct {
	Form      string            `json:"form"`
	Fields    map[string]string `json:"fields"`
	ReturnTo  string            `json:"returnTo,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

type entry struct {
	state     State
	expiresAt time.Time
}

// Store holds form state keyed by an opaque key.
type Store struct {
	clock clock.Clock
	ttl   time.Duration

	mu      sync.Mutex
	entries map[string]entry
}

// NewStore returns an empty store. A non-positive ttl uses DefaultTTL.
func NewStore(c clock.Clock, ttl time.Duration) *Store {
	if c == nil {
		c = clock.System{}
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{clock: c, ttl: ttl, entries: make(map[string]entry)}
}

// NewKey returns a random key for Put.
func NewKey() (string, error) {
	b := make([]byte, 18)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate form state key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Put saves state under key, replacing anything stored there.
func (s *Store) Put(key string, state State) error {
	raw, err := json.Marshal(state.Fields)
	if err != nil {
		return fmt.Errorf("encode form state: %w", err)
	}
	if len(raw) > maxFieldsBytes {
		return ErrTooLarge
	}

	now := s.clock.Now()
	if state.CreatedAt.IsZero() {
		state.CreatedAt = now
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked(now)
	s.entries[key] = entry{state: state, expiresAt: now.Add(s.ttl)}
	return nil
}

// Take returns the state under key and removes it.
func (s *Store) Take(key string) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	delete(s.entries, key)
	if !ok || !s.clock.Now().Before(e.expiresAt) {
		return State{}, ErrNotFound
	}
	return e.state, nil
}

// Discard drops the state under key.
func (s *Store) Discard(key string) {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

// Len returns the number of unexpired entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked(s.clock.Now())
	return len(s.entries)
}

func (s *Store) sweepLocked(now time.Time) {
	for key, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, key)
		}
	}
}
