package m2m

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// ClientCredentialsConfig describes an OAuth 2.0 client allowed to use the
// client-credentials grant.
type ClientCredentialsConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	// Audience is sent as the "audience" parameter, which Auth0 requires to
	// pick the API the token is minted for.
	Audience string
	Scopes   []string
}

// EndpointOption configures a ClientCredentials endpoint.
type EndpointOption func(*ClientCredentials)

// WithHTTPClient sets the client used to reach the token endpoint.
func WithHTTPClient(c *http.Client) EndpointOption {
	return func(cc *ClientCredentials) { cc.client = c }
}

// WithClock overrides the clock used when only an absolute expiry is returned.
func WithClock(now func() time.Time) EndpointOption {
	return func(cc *ClientCredentials) { cc.now = now }
}

// ClientCredentials is a TokenEndpoint backed by golang.org/x/oauth2.
type ClientCredentials struct {
	cfg    clientcredentials.Config
	client *http.Client
	now    func() time.Time
}

// NewClientCredentials validates cfg and returns the endpoint.
func NewClientCredentials(cfg ClientCredentialsConfig, opts ...EndpointOption) (*ClientCredentials, error) {
	if cfg.TokenURL == "" || cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, errors.New("m2m: token url, client id and client secret are required")
	}
	cc := &ClientCredentials{
		cfg: clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       append([]string(nil), cfg.Scopes...),
			AuthStyle:    oauth2.AuthStyleInParams,
		},
		now: time.Now,
	}
	if cfg.Audience != "" {
		cc.cfg.EndpointParams = url.Values{"audience": {cfg.Audience}}
	}
	for _, opt := range opts {
		opt(cc)
	}
	return cc, nil
}

// ClientCredentials implements TokenEndpoint. Every call hits the network.
func (c *ClientCredentials) ClientCredentials(ctx context.Context) (Token, error) {
	if c.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, c.client)
	}
	tok, err := c.cfg.Token(ctx)
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) {
			return Token{}, fmt.Errorf("%w: %s: %s", ErrTokenEndpoint, rerr.ErrorCode, rerr.ErrorDescription)
		}
		return Token{}, fmt.Errorf("%w: %w", ErrTokenEndpoint, err)
	}

	return Token{AccessToken: tok.AccessToken, ExpiresIn: c.expiresIn(tok)}, nil
}

// expiresIn prefers the wire "expires_in" value; the absolute Expiry computed
// by oauth2 is only used as a fallback and rounded to whole seconds.
func (c *ClientCredentials) expiresIn(tok *oauth2.Token) time.Duration {
	if tok.ExpiresIn > 0 {
		return time.Duration(tok.ExpiresIn) * time.Second
	}
	switch v := tok.Extra("expires_in").(type) {
	case float64:
		return time.Duration(v) * time.Second
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return time.Duration(n) * time.Second
		}
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	if !tok.Expiry.IsZero() {
		return tok.Expiry.Sub(c.now()).Round(time.Second)
	}
	return 0
}

var _ TokenEndpoint = (*ClientCredentials)(nil)
