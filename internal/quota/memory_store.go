package quota

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps quota rows in memory. Changes are pushed synchronously.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[uuid.UUID]Record
	subs *subscribers
	now  func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows: make(map[uuid.UUID]Record),
		subs: newSubscribers(),
		now:  time.Now,
	}
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, userID uuid.UUID, defaultLimit int) (Record, error) {
	if defaultLimit <= 0 {
		return Record{}, ErrInvalidLimit
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.rows[userID]
	if !ok {
		record = Record{UserID: userID, RequestsLimit: defaultLimit, UpdatedAt: s.now()}
		s.rows[userID] = record
	}
	return record, nil
}

// Increment implements Store.
func (s *MemoryStore) Increment(_ context.Context, userID uuid.UUID, n int) (Record, error) {
	if n <= 0 {
		return Record{}, ErrInvalidIncrement
	}

	s.mu.Lock()
	record, ok := s.rows[userID]
	if !ok {
		record = Record{UserID: userID, RequestsLimit: DefaultLimit}
	}
	record.RequestsUsed += n
	record.UpdatedAt = s.now()
	s.rows[userID] = record
	s.mu.Unlock()

	s.subs.publish(record)
	return record, nil
}

// Reset sets the usage counter back to zero, as an administrator would.
func (s *MemoryStore) Reset(_ context.Context, userID uuid.UUID) (Record, error) {
	return s.update(userID, func(r *Record) { r.RequestsUsed = 0 })
}

// SetLimit changes the request limit of userID.
func (s *MemoryStore) SetLimit(_ context.Context, userID uuid.UUID, limit int) (Record, error) {
	if limit <= 0 {
		return Record{}, ErrInvalidLimit
	}
	return s.update(userID, func(r *Record) { r.RequestsLimit = limit })
}

func (s *MemoryStore) update(userID uuid.UUID, fn func(*Record)) (Record, error) {
	s.mu.Lock()
	record, ok := s.rows[userID]
	if !ok {
		record = Record{UserID: userID, RequestsLimit: DefaultLimit}
	}
	fn(&record)
	record.UpdatedAt = s.now()
	s.rows[userID] = record
	s.mu.Unlock()

	s.subs.publish(record)
	return record, nil
}

// Subscribe implements Store.
func (s *MemoryStore) Subscribe(_ context.Context, userID uuid.UUID, fn func(Record)) (func(), error) {
	return s.subs.add(userID, fn), nil
}
