package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

const defaultIssuerURL = "https://accounts.google.com"

// OIDCConfig configures an OIDCProvider.
type OIDCConfig struct {
	Name           string
	IssuerURL      string
	ClientID       string
	ClientSecret   string
	RedirectURL    string
	AllowedDomains []string
	AllowedEmails  []string
	JWTSecret      string
}

// OIDCProvider is the IdentityProvider backed by an OpenID Connect issuer.
// Sessions are persisted through the Service so they survive restarts.
type OIDCProvider struct {
	name           string
	config         *oauth2.Config
	verifier       *oidc.IDTokenVerifier
	claims         ClaimsVerifier
	allowedDomains map[string]struct{}
	allowedEmails  map[string]struct{}
	sessions       *Service
	hub            *eventHub
	logger         *slog.Logger
}

// NewOIDCProvider discovers the issuer and returns a provider for it.
func NewOIDCProvider(ctx context.Context, cfg OIDCConfig, sessions *Service, logger *slog.Logger) (*OIDCProvider, error) {
	issuer := strings.TrimSpace(cfg.IssuerURL)
	if issuer == "" {
		issuer = defaultIssuerURL
	}

	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc provider: %w", err)
	}

	config := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Endpoint:     provider.Endpoint(),
		Scopes:       []string{oidc.ScopeOpenID, oidc.ScopeOfflineAccess, "email", "profile"},
	}

	p := newOIDCProvider(cfg, config, provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}), sessions, logger)
	return p, nil
}

func newOIDCProvider(cfg OIDCConfig, config *oauth2.Config, verifier *oidc.IDTokenVerifier, sessions *Service, logger *slog.Logger) *OIDCProvider {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	name := strings.ToLower(strings.TrimSpace(cfg.Name))
	if name == "" {
		name = "google"
	}

	return &OIDCProvider{
		name:           name,
		config:         config,
		verifier:       verifier,
		claims:         NewClaimsVerifier(cfg.JWTSecret),
		allowedDomains: toSet(cfg.AllowedDomains),
		allowedEmails:  toSet(cfg.AllowedEmails),
		sessions:       sessions,
		hub:            newEventHub(),
		logger:         logger,
	}
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" {
			set[v] = struct{}{}
		}
	}
	return set
}

// Name returns the provider name used in routes.
func (p *OIDCProvider) Name() string {
	return p.name
}

// AuthURL generates the consent URL for the given state.
func (p *OIDCProvider) AuthURL(provider, state string) (string, error) {
	if !strings.EqualFold(provider, p.name) {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedProvider, provider)
	}
	return p.config.AuthCodeURL(
		state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "select_account"),
	), nil
}

// SignIn exchanges the authorization code, checks the allowlist and stores
// the resulting session under key.
func (p *OIDCProvider) SignIn(ctx context.Context, key, provider, code string) (*Session, error) {
	if !strings.EqualFold(provider, p.name) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, provider)
	}

	token, err := p.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("token exchange: %w", err)
	}

	identity, idExpiry, err := p.verifyIDToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if identity == nil {
		return nil, fmt.Errorf("no id_token in response")
	}

	if !identity.EmailVerified {
		return nil, ErrEmailNotVerified
	}
	if !p.IsEmailAllowed(identity.Email) {
		return nil, ErrEmailNotAllowed
	}

	user, err := p.sessions.CreateOrUpdateUser(ctx, p.name, identity)
	if err != nil {
		return nil, err
	}
	user.AppMetadata = AppMetadata{Role: p.resolveRole(identity, token.AccessToken, "")}

	userAgent, ip := clientInfoFrom(ctx)
	session := Session{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    tokenExpiry(token, idExpiry),
		User:         *user,
		CreatedAt:    time.Now(),
		UserAgent:    userAgent,
		IPAddress:    ip,
	}

	if err := p.sessions.StoreSession(ctx, key, session); err != nil {
		return nil, err
	}

	p.logger.Info("identity provider sign-in", "provider", p.name, "user_id", user.ID, "admin", user.IsAdmin())
	p.hub.publish(Event{Type: EventSignedIn, Key: key, Session: &session})
	return &session, nil
}

// CurrentSession returns the session stored under key, or nil.
func (p *OIDCProvider) CurrentSession(ctx context.Context, key string) (*Session, error) {
	return p.sessions.LoadSession(ctx, key)
}

// Refresh exchanges the refresh token for new token material. The identity
// stays the same.
func (p *OIDCProvider) Refresh(ctx context.Context, key string, session *Session) (*Session, error) {
	if session == nil {
		return nil, ErrNoSession
	}
	if session.RefreshToken == "" {
		return nil, ErrNoRefreshToken
	}

	stale := &oauth2.Token{
		AccessToken:  session.AccessToken,
		RefreshToken: session.RefreshToken,
		Expiry:       time.Now().Add(-time.Minute),
	}
	token, err := p.config.TokenSource(ctx, stale).Token()
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}

	identity, idExpiry, err := p.verifyIDToken(ctx, token)
	if err != nil {
		return nil, err
	}

	updated := session.clone()
	updated.AccessToken = token.AccessToken
	if token.RefreshToken != "" {
		updated.RefreshToken = token.RefreshToken
	}
	updated.ExpiresAt = tokenExpiry(token, idExpiry)
	updated.User.AppMetadata = AppMetadata{Role: p.resolveRole(identity, token.AccessToken, session.User.AppMetadata.Role)}

	if err := p.sessions.StoreSession(ctx, key, *updated); err != nil {
		return nil, err
	}

	p.hub.publish(Event{Type: EventTokenRefreshed, Key: key, Session: updated})
	return updated, nil
}

// SignOut deletes the session stored under key.
func (p *OIDCProvider) SignOut(ctx context.Context, key string) error {
	if err := p.sessions.DeleteSession(ctx, key); err != nil {
		return err
	}
	p.hub.publish(Event{Type: EventSignedOut, Key: key})
	return nil
}

// Subscribe registers fn for events on key.
func (p *OIDCProvider) Subscribe(key string, fn func(Event)) func() {
	return p.hub.subscribe(key, fn)
}

func (p *OIDCProvider) verifyIDToken(ctx context.Context, token *oauth2.Token) (*Identity, time.Time, error) {
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, time.Time{}, nil
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("verify id_token: %w", err)
	}

	var identity Identity
	if err := idToken.Claims(&identity); err != nil {
		return nil, time.Time{}, fmt.Errorf("parse claims: %w", err)
	}

	return &identity, idToken.Expiry, nil
}

// resolveRole picks the role from the verified access token when a secret is
// configured, then the verified ID token, then the previous role.
func (p *OIDCProvider) resolveRole(identity *Identity, accessToken, previous string) string {
	if p.claims.Enabled() {
		role, err := p.claims.Role(accessToken)
		if err == nil {
			return role
		}
		p.logger.Debug("access token claims unavailable", "error", err)
	}
	if identity != nil {
		return identity.AppMetadata.Role
	}
	return previous
}

func tokenExpiry(token *oauth2.Token, idExpiry time.Time) time.Time {
	if !token.Expiry.IsZero() {
		return token.Expiry
	}
	if !idExpiry.IsZero() {
		return idExpiry
	}
	return time.Now().Add(time.Hour)
}

// IsEmailAllowed checks if the given email is allowed based on domain/email allowlists.
func (p *OIDCProvider) IsEmailAllowed(email string) bool {
	email = strings.ToLower(strings.TrimSpace(email))

	// Check explicit email allowlist
	if _, ok := p.allowedEmails[email]; ok {
		return true
	}

	// Check domain allowlist
	parts := strings.Split(email, "@")
	if len(parts) == 2 {
		domain := parts[1]
		if _, ok := p.allowedDomains[domain]; ok {
			return true
		}
	}

	// If both allowlists are empty, allow all (dev mode)
	return len(p.allowedDomains) == 0 && len(p.allowedEmails) == 0
}

// HasAllowlist returns true if any allowlist restrictions are configured.
func (p *OIDCProvider) HasAllowlist() bool {
	return len(p.allowedDomains) > 0 || len(p.allowedEmails) > 0
}

// GenerateState generates a cryptographically secure random state string.
func GenerateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

type clientInfoKey struct{}

type clientInfo struct {
	userAgent string
	ip        string
}

// WithClientInfo attaches the caller's user agent and address to ctx so a
// new session records them.
func WithClientInfo(ctx context.Context, userAgent, ip string) context.Context {
	return context.WithValue(ctx, clientInfoKey{}, clientInfo{userAgent: userAgent, ip: ip})
}

func clientInfoFrom(ctx context.Context) (string, string) {
	info, _ := ctx.Value(clientInfoKey{}).(clientInfo)
	return info.userAgent, info.ip
}
