// Package authtest provides in-memory stand-ins for the auth package's
// collaborators.
package authtest

import (
	"context"
	"net/http"
	"sync"

	"github.com/ggoodman/datasetauth/auth"
	"github.com/ggoodman/datasetauth/internal/claims"
)

// NoAuth is a test authenticator that accepts every token as the same user.
type NoAuth struct {
	UserID string
}

// NewNoAuth creates a new NoAuth authenticator with the specified user ID
// If userID is empty, it defaults to "test-user"
func NewNoAuth(userID string) *NoAuth {
	if userID == "" {
		userID = "test-user"
	}
	return &NoAuth{UserID: userID}
}

// CheckAuthentication always returns an authenticated principal.
func (n *NoAuth) CheckAuthentication(ctx context.Context, tok string) (*auth.Principal, error) {
	return Principal(n.UserID, tok), nil
}

// Tokens maps opaque bearer strings to principals. Unknown tokens are
// rejected with auth.ErrUnauthorized.
type Tokens struct {
	mu     sync.RWMutex
	byTok  map[string]*auth.Principal
	scoped map[string]bool
}

// NewTokens returns an empty token table.
func NewTokens() *Tokens {
	return &Tokens{byTok: map[string]*auth.Principal{}, scoped: map[string]bool{}}
}

// Add registers tok as belonging to subject with the given scopes.
func (t *Tokens) Add(tok, subject string, scopes ...string) {
	p := Principal(subject, tok)
	p.Scopes = append([]string(nil), scopes...)
	t.mu.Lock()
	t.byTok[tok] = p
	t.mu.Unlock()
}

// AddUnderScoped registers tok as valid but lacking required scope.
func (t *Tokens) AddUnderScoped(tok string) {
	t.mu.Lock()
	t.scoped[tok] = true
	t.mu.Unlock()
}

// CheckAuthentication implements auth.Authenticator.
func (t *Tokens) CheckAuthentication(ctx context.Context, tok string) (*auth.Principal, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.scoped[tok] {
		return nil, auth.ErrInsufficientScope
	}
	p, ok := t.byTok[tok]
	if !ok {
		return nil, auth.ErrUnauthorized
	}
	cp := *p
	return &cp, nil
}

// Sessions is a SessionLoader keyed by a cookie value.
type Sessions struct {
	Cookie string

	mu    sync.RWMutex
	byVal map[string]*auth.Principal
}

// NewSessions returns a loader reading the named cookie.
func NewSessions(cookie string) *Sessions {
	return &Sessions{Cookie: cookie, byVal: map[string]*auth.Principal{}}
}

// Add makes the cookie value val resolve to subject.
func (s *Sessions) Add(val, subject, accessToken string) {
	s.mu.Lock()
	s.byVal[val] = Principal(subject, accessToken)
	s.mu.Unlock()
}

// LoadPrincipal implements auth.SessionLoader.
func (s *Sessions) LoadPrincipal(r *http.Request) (*auth.Principal, error) {
	c, err := r.Cookie(s.Cookie)
	if err != nil {
		return nil, auth.ErrNoSession
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byVal[c.Value]
	if !ok {
		return nil, auth.ErrNoSession
	}
	cp := *p
	return &cp, nil
}

// Principal builds a stateless principal with only a subject claim.
func Principal(subject, accessToken string) *auth.Principal {
	return auth.NewPrincipal(claims.New(map[string]any{"sub": subject}), auth.ModeStateless, accessToken)
}

var (
	_ auth.Authenticator = (*NoAuth)(nil)
	_ auth.Authenticator = (*Tokens)(nil)
	_ auth.SessionLoader = (*Sessions)(nil)
)
