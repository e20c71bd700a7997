// Package quota tracks per-user extraction usage against a request limit.
package quota

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultLimit is used for new quota rows and as the fallback when the store
// cannot be read.
const DefaultLimit = 5

var (
	ErrInvalidIncrement = errors.New("increment must be positive")
	ErrInvalidLimit     = errors.New("limit must be positive")
)

// Record is the stored usage row of one user. IsAdmin is never read from
// storage; trackers set it from trusted session claims.
type Record struct {
	UserID        uuid.UUID `json:"user_id"`
	RequestsUsed  int       `json:"requests_used"`
	RequestsLimit int       `json:"requests_limit"`
	IsAdmin       bool      `json:"-"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Store persists quota rows and pushes changes to subscribers.
type Store interface {
	// Get returns the row for userID, creating it with defaultLimit on first use.
	Get(ctx context.Context, userID uuid.UUID, defaultLimit int) (Record, error)
	// Increment adds n to the usage counter and returns the updated row.
	Increment(ctx context.Context, userID uuid.UUID, n int) (Record, error)
	// Subscribe calls fn with every change to the row of userID.
	Subscribe(ctx context.Context, userID uuid.UUID, fn func(Record)) (unsubscribe func(), err error)
}

// subscribers dispatches record changes to listeners keyed by user.
type subscribers struct {
	mu        sync.Mutex
	next      uint64
	listeners map[uuid.UUID]map[uint64]func(Record)
}

func newSubscribers() *subscribers {
	return &subscribers{listeners: make(map[uuid.UUID]map[uint64]func(Record))}
}

func (s *subscribers) add(userID uuid.UUID, fn func(Record)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.next++
	id := s.next
	if s.listeners[userID] == nil {
		s.listeners[userID] = make(map[uint64]func(Record))
	}
	s.listeners[userID][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.listeners[userID], id)
			if len(s.listeners[userID]) == 0 {
				delete(s.listeners, userID)
			}
		})
	}
}

func (s *subscribers) publish(record Record) {
	s.mu.Lock()
	fns := make([]func(Record), 0, len(s.listeners[record.UserID]))
	for _, fn := range s.listeners[record.UserID] {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(record)
	}
}

func (s *subscribers) count(userID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners[userID])
}
