// Package m2m issues machine-to-machine access tokens for backend calls.
//
// Tokens are fetched with the OAuth 2.0 client-credentials grant and cached
// for half of their advertised lifetime, so a token handed out is never close
// to expiry when it reaches the downstream API. A Source refuses to operate
// unless the context is marked as trusted (background job or CLI): M2M
// credentials must never be used while serving an end-user request.
package m2m

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ggoodman/datasetauth/auth"
	"github.com/ggoodman/datasetauth/cache"
)

// CacheKey is the cache key under which the current token is held.
const CacheKey = "m2m-token"

// ErrNotAllowedInThisContext is returned when a token is requested from an
// untrusted execution context. It indicates a programming or deployment error
// and is never retried.
var ErrNotAllowedInThisContext = errors.New("m2m: token not allowed in this execution context")

// ErrTokenEndpoint wraps failures talking to the token endpoint.
var ErrTokenEndpoint = errors.New("m2m: token endpoint")

// Token is a freshly issued access token.
type Token struct {
	AccessToken string
	ExpiresIn   time.Duration
}

// TokenEndpoint performs the client-credentials grant.
type TokenEndpoint interface {
	ClientCredentials(ctx context.Context) (Token, error)
}

// Option configures a Source.
type Option func(*Source)

// WithLogger sets the source's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Source) { s.log = l }
}

// Source hands out cached M2M tokens.
type Source struct {
	endpoint TokenEndpoint
	cache    *cache.Cache[string]
	log      *slog.Logger
}

// NewSource returns a Source fetching from endpoint and caching in c.
func NewSource(endpoint TokenEndpoint, c *cache.Cache[string], opts ...Option) (*Source, error) {
	if endpoint == nil {
		return nil, errors.New("m2m: token endpoint is required")
	}
	if c == nil {
		return nil, errors.New("m2m: cache is required")
	}
	s := &Source{endpoint: endpoint, cache: c, log: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Token returns a valid access token. The execution gate is checked before
// the cache is consulted, so an untrusted caller is refused even when a token
// is already cached.
func (s *Source) Token(ctx context.Context) (string, error) {
	if exec := auth.ExecutionFrom(ctx); !exec.Trusted() {
		s.log.ErrorContext(ctx, "m2m.token.denied", slog.String("execution", exec.String()))
		return "", ErrNotAllowedInThisContext
	}
	return s.cache.GetOrLoad(ctx, CacheKey, s.load)
}

// Invalidate drops the cached token, for example after the downstream API
// rejected it.
func (s *Source) Invalidate(ctx context.Context) error {
	return s.cache.Invalidate(ctx, CacheKey)
}

func (s *Source) load(ctx context.Context) (string, time.Duration, error) {
	tok, err := s.endpoint.ClientCredentials(ctx)
	if err != nil {
		s.log.WarnContext(ctx, "m2m.token.fail", slog.String("err", err.Error()))
		return "", 0, err
	}
	if tok.AccessToken == "" {
		return "", 0, fmt.Errorf("%w: empty access token", ErrTokenEndpoint)
	}
	ttl := CacheTTL(tok.ExpiresIn)
	s.log.InfoContext(ctx, "m2m.token.issued", slog.Duration("expires_in", tok.ExpiresIn), slog.Duration("cache_ttl", ttl))
	return tok.AccessToken, ttl, nil
}

// CacheTTL is floor(expiresIn/2) in whole seconds.
func CacheTTL(expiresIn time.Duration) time.Duration {
	if expiresIn <= 0 {
		return 0
	}
	return (expiresIn.Truncate(time.Second) / 2).Truncate(time.Second)
}
