package auth

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ggoodman/datasetauth/internal/claims"
	"github.com/ggoodman/datasetauth/internal/jwtauth"
)

// AccessTokenAuthOption configures optional aspects of the JWT access token
// authenticator (scopes, algorithms, leeway, key material, etc.).
type AccessTokenAuthOption func(*accessTokenConfig)

type accessTokenConfig struct {
	jwt        *jwtauth.Config
	azp        string
	scopes     jwtauth.ScopePolicy
	decryptKey any
	keys       jwtauth.KeySource
	jwksURI    string
	log        *slog.Logger
	now        func() time.Time
}

// WithRequiredScopes requires all of the provided scopes to be present in the
// token's "scope" or "scp" claim.
func WithRequiredScopes(scopes ...string) AccessTokenAuthOption {
	return func(c *accessTokenConfig) {
		c.scopes = jwtauth.ScopePolicy{Required: append([]string(nil), scopes...)}
	}
}

// WithAnyRequiredScope requires at least one of the provided scopes to be present.
func WithAnyRequiredScope(scopes ...string) AccessTokenAuthOption {
	return func(c *accessTokenConfig) {
		c.scopes = jwtauth.ScopePolicy{Required: append([]string(nil), scopes...), Any: true}
	}
}

// WithAllowedAlgs restricts allowed JWS algorithms. "none" is never allowed.
// Defaults to ["RS256"].
func WithAllowedAlgs(algs ...string) AccessTokenAuthOption {
	return func(c *accessTokenConfig) {
		c.jwt.AllowedAlgs = append([]string(nil), algs...)
	}
}

// WithLeeway sets clock skew tolerance for time-based claims.
func WithLeeway(d time.Duration) AccessTokenAuthOption {
	return func(c *accessTokenConfig) { c.jwt.Leeway = d }
}

// WithAuthorizedParty requires the token's azp claim to equal clientID.
func WithAuthorizedParty(clientID string) AccessTokenAuthOption {
	return func(c *accessTokenConfig) { c.azp = clientID }
}

// WithDecryptionKey makes the authenticator accept only JWE-wrapped tokens,
// decrypted with key.
func WithDecryptionKey(key crypto.PrivateKey) AccessTokenAuthOption {
	return func(c *accessTokenConfig) { c.decryptKey = key }
}

// WithKeySource verifies signatures with ks instead of the issuer's
// discovered JWKS. Discovery is skipped entirely.
func WithKeySource(ks jwtauth.KeySource) AccessTokenAuthOption {
	return func(c *accessTokenConfig) { c.keys = ks }
}

// WithJWKSURI verifies signatures against the JWKS at uri without performing
// discovery.
func WithJWKSURI(uri string) AccessTokenAuthOption {
	return func(c *accessTokenConfig) { c.jwksURI = uri }
}

// WithHTTPClient sets the client used for discovery.
func WithHTTPClient(client *http.Client) AccessTokenAuthOption {
	return func(c *accessTokenConfig) { c.jwt.HTTPClient = client }
}

// WithLogger sets the logger for verification failures.
func WithLogger(l *slog.Logger) AccessTokenAuthOption {
	return func(c *accessTokenConfig) { c.log = l }
}

// WithClock overrides the clock used for claim validation.
func WithClock(now func() time.Time) AccessTokenAuthOption {
	return func(c *accessTokenConfig) { c.now = now }
}

// AccessTokenAuthenticator verifies JWT access tokens and turns them into
// stateless principals.
type AccessTokenAuthenticator struct {
	v      *jwtauth.Verifier
	scopes jwtauth.ScopePolicy
	meta   *jwtauth.Metadata
	log    *slog.Logger
}

// NewFromDiscovery returns an Authenticator that verifies JWT access tokens
// issued by issuer for audience. Keys come from the issuer's discovered JWKS
// unless WithKeySource or WithJWKSURI is given.
//
// Required:
//   - issuer:   authorization server issuer URL
//   - audience: expected audience ("aud") claim, typically the API identifier
func NewFromDiscovery(ctx context.Context, issuer string, audience string, opts ...AccessTokenAuthOption) (*AccessTokenAuthenticator, error) {
	cfg := &accessTokenConfig{jwt: jwtauth.DefaultConfig(), log: slog.New(slog.DiscardHandler)}
	cfg.jwt.Issuer = issuer
	cfg.jwt.Audience = audience
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.jwt.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if cfg.jwt.Audience == "" {
		return nil, errors.New("audience is required")
	}

	vopts := []jwtauth.Option{jwtauth.WithLogger(cfg.log)}
	if len(cfg.jwt.AllowedAlgs) > 0 {
		vopts = append(vopts, jwtauth.WithAllowedAlgs(cfg.jwt.AllowedAlgs...))
	}
	if cfg.now != nil {
		vopts = append(vopts, jwtauth.WithClock(cfg.now))
	}
	if cfg.decryptKey != nil {
		d, err := jwtauth.NewDecrypter(cfg.decryptKey)
		if err != nil {
			return nil, fmt.Errorf("decryption key: %w", err)
		}
		vopts = append(vopts, jwtauth.WithDecrypter(d))
	}

	var (
		v    *jwtauth.Verifier
		meta *jwtauth.Metadata
		err  error
	)
	switch {
	case cfg.keys != nil:
		ccfg := claims.NewConfig(cfg.jwt.Issuer, cfg.jwt.Audience).WithLeeway(cfg.jwt.Leeway)
		v, err = jwtauth.New(ccfg, cfg.keys, vopts...)
	case cfg.jwksURI != "":
		sc := &jwtauth.StaticConfig{Issuer: cfg.jwt.Issuer, Audience: cfg.jwt.Audience, AllowedAlgs: cfg.jwt.AllowedAlgs}
		v, err = jwtauth.NewStatic(ctx, sc, cfg.jwksURI, vopts...)
		if err == nil {
			v = v.WithLeeway(cfg.jwt.Leeway)
		}
	default:
		v, meta, err = jwtauth.NewFromDiscovery(ctx, cfg.jwt, vopts...)
	}
	if err != nil {
		return nil, err
	}
	if cfg.azp != "" {
		v = v.WithAzp(cfg.azp)
	}

	return &AccessTokenAuthenticator{v: v, scopes: cfg.scopes, meta: meta, log: cfg.log}, nil
}

// CheckAuthentication implements Authenticator.
func (a *AccessTokenAuthenticator) CheckAuthentication(ctx context.Context, tok string) (*Principal, error) {
	cs, err := a.VerifyAccessToken(ctx, tok)
	if err != nil {
		return nil, err
	}
	if err := a.scopes.Check(cs); err != nil {
		a.log.InfoContext(ctx, "auth.scope.fail", slog.Any("required", a.scopes.Required))
		return nil, errors.Join(ErrInsufficientScope, err)
	}
	return NewPrincipal(cs, ModeStateless, tok), nil
}

// VerifyAccessToken verifies raw and returns its validated claims. Failures
// match ErrUnauthorized and wrap the underlying *jwtauth.VerifyError.
func (a *AccessTokenAuthenticator) VerifyAccessToken(ctx context.Context, raw string) (claims.ClaimSet, error) {
	cs, err := a.v.Verify(ctx, raw)
	if err != nil {
		return claims.ClaimSet{}, errors.Join(ErrUnauthorized, err)
	}
	return cs, nil
}

// Verifier exposes the underlying verifier so callers can derive siblings
// sharing the same keys.
func (a *AccessTokenAuthenticator) Verifier() *jwtauth.Verifier { return a.v }

// Metadata returns the issuer's discovery metadata, or nil when discovery was
// skipped.
func (a *AccessTokenAuthenticator) Metadata() *jwtauth.Metadata { return a.meta }

var _ Authenticator = (*AccessTokenAuthenticator)(nil)
