package auth

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// providerStub publishes events synchronously from SignIn, Refresh and
// SignOut, as OIDCProvider does.
type providerStub struct {
	authURL        func(provider, state string) (string, error)
	signIn         func(ctx context.Context, key, provider, code string) (*Session, error)
	currentSession func(ctx context.Context, key string) (*Session, error)
	refresh        func(ctx context.Context, key string, session *Session) (*Session, error)
	signOut        func(ctx context.Context, key string) error

	hub *eventHub

	mu           sync.Mutex
	refreshCalls int
	signOutCalls int
}

func newProviderStub() *providerStub {
	return &providerStub{hub: newEventHub()}
}

func (p *providerStub) AuthURL(provider, state string) (string, error) {
	if p.authURL != nil {
		return p.authURL(provider, state)
	}
	return "https://idp.test/authorize?state=" + state, nil
}

func (p *providerStub) SignIn(ctx context.Context, key, provider, code string) (*Session, error) {
	if p.signIn == nil {
		return nil, ErrNoSession
	}
	session, err := p.signIn(ctx, key, provider, code)
	if err != nil {
		return nil, err
	}
	p.hub.publish(Event{Type: EventSignedIn, Key: key, Session: session})
	return session, nil
}

func (p *providerStub) CurrentSession(ctx context.Context, key string) (*Session, error) {
	if p.currentSession != nil {
		return p.currentSession(ctx, key)
	}
	return nil, nil
}

func (p *providerStub) Refresh(ctx context.Context, key string, session *Session) (*Session, error) {
	p.mu.Lock()
	p.refreshCalls++
	p.mu.Unlock()
	if p.refresh == nil {
		return nil, ErrNoRefreshToken
	}
	updated, err := p.refresh(ctx, key, session)
	if err != nil {
		return nil, err
	}
	p.hub.publish(Event{Type: EventTokenRefreshed, Key: key, Session: updated})
	return updated, nil
}

func (p *providerStub) SignOut(ctx context.Context, key string) error {
	p.mu.Lock()
	p.signOutCalls++
	p.mu.Unlock()
	if p.signOut != nil {
		if err := p.signOut(ctx, key); err != nil {
			return err
		}
	}
	p.hub.publish(Event{Type: EventSignedOut, Key: key})
	return nil
}

func (p *providerStub) Subscribe(key string, fn func(Event)) func() {
	return p.hub.subscribe(key, fn)
}

func (p *providerStub) refreshCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refreshCalls
}

func (p *providerStub) signOutCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.signOutCalls
}

func testSession(expiresAt time.Time) *Session {
	return &Session{
		ID:           uuid.New(),
		AccessToken:  "access-" + expiresAt.Format(time.RFC3339),
		RefreshToken: "refresh",
		ExpiresAt:    expiresAt,
		User: User{
			ID:    uuid.MustParse("8d8c5d5e-3b53-4c43-9a3e-7d0f4c2b5a11"),
			Email: "cook@example.com",
		},
	}
}
