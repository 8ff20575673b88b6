package jwtauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/ggoodman/datasetauth/internal/claims"
)

// Config controls discovery-based verifier construction.
type Config struct {
	Issuer string
	// Audience is the expected "aud" value. Empty disables the audience check.
	Audience    string
	AllowedAlgs []string
	Leeway      time.Duration
	// HTTPClient is used for the discovery request. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client
}

// DefaultConfig returns a Config with safe defaults for algorithm and leeway.
func DefaultConfig() *Config {
	return &Config{
		AllowedAlgs: []string{"RS256"},
	}
}

// Metadata is the subset of the issuer's discovery document used by the
// login flows and advertised to clients.
type Metadata struct {
	Issuer                string   `json:"issuer"`
	JwksURI               string   `json:"jwks_uri"`
	AuthorizationEndpoint string   `json:"authorization_endpoint"`
	TokenEndpoint         string   `json:"token_endpoint"`
	UserinfoEndpoint      string   `json:"userinfo_endpoint"`
	EndSessionEndpoint    string   `json:"end_session_endpoint"`
	ResponseTypes         []string `json:"response_types_supported"`
	Scopes                []string `json:"scopes_supported"`
	SigningAlgs           []string `json:"id_token_signing_alg_values_supported"`
}

// Discover fetches and checks the issuer's OpenID configuration.
func Discover(ctx context.Context, issuer string, client *http.Client) (*oidc.Provider, *Metadata, error) {
	if issuer == "" {
		return nil, nil, errors.New("issuer is required")
	}
	if client != nil {
		ctx = oidc.ClientContext(ctx, client)
	}
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta Metadata
	if err := provider.Claims(&meta); err != nil {
		return nil, nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	missing := []string{}
	if meta.JwksURI == "" {
		missing = append(missing, "jwks_uri")
	}
	if meta.AuthorizationEndpoint == "" {
		missing = append(missing, "authorization_endpoint")
	}
	if meta.TokenEndpoint == "" {
		missing = append(missing, "token_endpoint")
	}
	if len(missing) > 0 {
		return nil, nil, fmt.Errorf("discovery incomplete: missing %s", strings.Join(missing, ", "))
	}
	return provider, &meta, nil
}

// NewFromDiscovery performs OIDC discovery to obtain jwks_uri and constructs
// a Verifier whose keys are auto-refreshed from that JWKS.
func NewFromDiscovery(ctx context.Context, cfg *Config, opts ...Option) (*Verifier, *Metadata, error) {
	if cfg == nil {
		return nil, nil, errors.New("config is required")
	}
	_, meta, err := Discover(ctx, cfg.Issuer, cfg.HTTPClient)
	if err != nil {
		return nil, nil, err
	}

	// Auto-refreshing JWKS
	kf, err := keyfunc.NewDefaultCtx(ctx, []string{meta.JwksURI})
	if err != nil {
		return nil, nil, fmt.Errorf("jwks init failed: %w", err)
	}

	ccfg := claims.NewConfig(cfg.Issuer, cfg.Audience).WithLeeway(cfg.Leeway)
	base := []Option{}
	if len(cfg.AllowedAlgs) > 0 {
		base = append(base, WithAllowedAlgs(cfg.AllowedAlgs...))
	}
	v, err := New(ccfg, kf, append(base, opts...)...)
	if err != nil {
		return nil, nil, err
	}
	return v, meta, nil
}
