package auth

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrMissingSessionKey   = errors.New("session key is required")
	ErrUnsupportedProvider = errors.New("unsupported identity provider")
	ErrEmailNotVerified    = errors.New("email address is not verified")
	ErrEmailNotAllowed     = errors.New("email address is not allowed")
	ErrNoRefreshToken      = errors.New("session has no refresh token")
	ErrNoSession           = errors.New("no active session")
)

// IdentityProvider issues, refreshes and revokes sessions for browser keys
// and pushes changes to subscribers.
type IdentityProvider interface {
	AuthURL(provider, state string) (string, error)
	SignIn(ctx context.Context, key, provider, code string) (*Session, error)
	CurrentSession(ctx context.Context, key string) (*Session, error)
	Refresh(ctx context.Context, key string, session *Session) (*Session, error)
	SignOut(ctx context.Context, key string) error
	Subscribe(key string, fn func(Event)) (unsubscribe func())
}

// eventHub fans provider events out to the listeners registered for a key.
type eventHub struct {
	mu        sync.Mutex
	next      uint64
	listeners map[string]map[uint64]func(Event)
}

func newEventHub() *eventHub {
	return &eventHub{listeners: make(map[string]map[uint64]func(Event))}
}

func (h *eventHub) subscribe(key string, fn func(Event)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.next++
	id := h.next
	if h.listeners[key] == nil {
		h.listeners[key] = make(map[uint64]func(Event))
	}
	h.listeners[key][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.listeners[key], id)
			if len(h.listeners[key]) == 0 {
				delete(h.listeners, key)
			}
		})
	}
}

// publish delivers the event synchronously, outside the hub lock.
func (h *eventHub) publish(event Event) {
	h.mu.Lock()
	fns := make([]func(Event), 0, len(h.listeners[event.Key]))
	for _, fn := range h.listeners[event.Key] {
		fns = append(fns, fn)
	}
	h.mu.Unlock()

	for _, fn := range fns {
		fn(Event{Type: event.Type, Key: event.Key, Session: event.Session.clone()})
	}
}

func (h *eventHub) count(key string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.listeners[key])
}
