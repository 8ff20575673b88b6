package jwtauth

import (
	"context"
	"errors"
	"fmt"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/ggoodman/datasetauth/internal/claims"
)

// StaticConfig controls verification against a statically configured issuer
// and JWKS URI (no discovery).
type StaticConfig struct {
	Issuer      string
	Audience    string
	AllowedAlgs []string
}

// NewStatic constructs a Verifier backed by an auto-refreshing JWKS at
// jwksURI.
func NewStatic(ctx context.Context, cfg *StaticConfig, jwksURI string, opts ...Option) (*Verifier, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if jwksURI == "" {
		return nil, errors.New("jwks uri required")
	}
	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}
	base := []Option{}
	if len(cfg.AllowedAlgs) > 0 {
		base = append(base, WithAllowedAlgs(cfg.AllowedAlgs...))
	}
	return New(claims.NewConfig(cfg.Issuer, cfg.Audience), kf, append(base, opts...)...)
}
