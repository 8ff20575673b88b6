// Package oidcflow implements the browser login, callback and logout
// endpoints that establish stateful sessions: an OpenID Connect
// authorization-code flow with PKCE and a nonce-bound ID token.
package oidcflow

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ggoodman/datasetauth/internal/claims"
	"github.com/ggoodman/datasetauth/internal/httpjson"
	"github.com/ggoodman/datasetauth/internal/jwtauth"
	"github.com/ggoodman/datasetauth/sessions"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// Config describes the OIDC client.
type Config struct {
	// Issuer is the normalized issuer URL, with a trailing slash.
	Issuer       string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	// Audience, when set, is sent as the "audience" authorization parameter
	// so the returned access token is usable against that API.
	Audience string
	// Scopes defaults to openid, profile and email.
	Scopes []string
	// MaxAge, when positive, is sent as max_age and enforced on auth_time.
	MaxAge time.Duration
	// PostLogoutRedirectURL is where the provider sends the browser after
	// logout.
	PostLogoutRedirectURL string
}

// Option configures a Handler.
type Option func(*Handler)

// WithHTTPClient sets the client used for the code exchange.
func WithHTTPClient(c *http.Client) Option {
	return func(h *Handler) { h.client = c }
}

// WithLogger sets the handler's logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.log = l }
}

// WithClock overrides time.Now for ID token validation.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// WithAllowedAlgs restricts ID token signature algorithms. Defaults to RS256.
func WithAllowedAlgs(algs ...string) Option {
	return func(h *Handler) { h.algs = algs }
}

// Handler serves /login, /callback and /logout.
type Handler struct {
	cfg      Config
	meta     *jwtauth.Metadata
	oauth    *oauth2.Config
	idTokens *jwtauth.Verifier
	sessions *sessions.Store

	client *http.Client
	log    *slog.Logger
	now    func() time.Time
	algs   []string
}

// New builds a Handler. ID tokens are verified against keys, issued by
// cfg.Issuer for cfg.ClientID.
func New(cfg Config, meta *jwtauth.Metadata, keys jwtauth.KeySource, store *sessions.Store, opts ...Option) (*Handler, error) {
	switch {
	case cfg.Issuer == "":
		return nil, errors.New("oidcflow: issuer is required")
	case cfg.ClientID == "":
		return nil, errors.New("oidcflow: client id is required")
	case cfg.RedirectURL == "":
		return nil, errors.New("oidcflow: redirect url is required")
	case meta == nil || meta.AuthorizationEndpoint == "" || meta.TokenEndpoint == "":
		return nil, errors.New("oidcflow: provider metadata with authorization and token endpoints is required")
	case store == nil:
		return nil, errors.New("oidcflow: session store is required")
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{"openid", "profile", "email"}
	}

	h := &Handler{
		cfg:      cfg,
		meta:     meta,
		sessions: store,
		client:   http.DefaultClient,
		log:      slog.New(slog.DiscardHandler),
		now:      time.Now,
		algs:     []string{"RS256"},
	}
	for _, opt := range opts {
		opt(h)
	}

	v, err := jwtauth.New(claims.NewConfig(cfg.Issuer, cfg.ClientID), keys,
		jwtauth.WithAllowedAlgs(h.algs...),
		jwtauth.WithClock(h.now),
		jwtauth.WithLogger(h.log),
	)
	if err != nil {
		return nil, fmt.Errorf("oidcflow: id token verifier: %w", err)
	}
	h.idTokens = v

	h.oauth = &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes:       cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   meta.AuthorizationEndpoint,
			TokenURL:  meta.TokenEndpoint,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	return h, nil
}

// Routes returns a router serving the three endpoints relative to its mount
// point.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/login", h.Login)
	r.Get("/callback", h.Callback)
	r.Post("/logout", h.Logout)
	return r
}

// Login starts an authorization request and redirects to the provider.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, err := h.sessions.Load(ctx, r)
	if err != nil {
		sess = h.sessions.New()
	}

	verifier := oauth2.GenerateVerifier()
	login := &sessions.Login{
		State:     uuid.NewString(),
		Nonce:     uuid.NewString(),
		Verifier:  verifier,
		ReturnTo:  SafeReturnTo(r.URL.Query().Get("return_to")),
		StartedAt: h.now(),
	}
	sess.Login = login
	if err := h.sessions.Save(ctx, w, sess); err != nil {
		h.log.ErrorContext(ctx, "oidc.login.err", slog.String("err", err.Error()))
		httpjson.WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}

	params := []oauth2.AuthCodeOption{
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("nonce", login.Nonce),
	}
	if h.cfg.Audience != "" {
		params = append(params, oauth2.SetAuthURLParam("audience", h.cfg.Audience))
	}
	if h.cfg.MaxAge > 0 {
		params = append(params, oauth2.SetAuthURLParam("max_age", strconv.FormatInt(int64(h.cfg.MaxAge/time.Second), 10)))
	}
	h.log.DebugContext(ctx, "oidc.login.start")
	http.Redirect(w, r, h.oauth.AuthCodeURL(login.State, params...), http.StatusFound)
}

// Callback completes the authorization request: it checks state, exchanges
// the code, verifies the ID token and rotates the session.
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, err := h.sessions.Load(ctx, r)
	if err != nil || sess.Login == nil {
		h.log.InfoContext(ctx, "oidc.callback.fail", slog.String("err", "no login in progress"))
		httpjson.WriteError(w, http.StatusBadRequest, "no login in progress")
		return
	}
	login := sess.Login
	q := r.URL.Query()

	if e := q.Get("error"); e != "" {
		h.log.InfoContext(ctx, "oidc.callback.fail", slog.String("err", e), slog.String("description", q.Get("error_description")))
		h.abandon(ctx, w, sess)
		httpjson.WriteError(w, http.StatusUnauthorized, "login failed")
		return
	}
	if subtle.ConstantTimeCompare([]byte(q.Get("state")), []byte(login.State)) != 1 {
		h.log.WarnContext(ctx, "oidc.callback.fail", slog.String("err", "state mismatch"))
		httpjson.WriteError(w, http.StatusBadRequest, "invalid state")
		return
	}
	code := q.Get("code")
	if code == "" {
		httpjson.WriteError(w, http.StatusBadRequest, "missing code")
		return
	}

	cs, tok, rawID, err := h.exchange(ctx, code, login)
	if err != nil {
		h.log.InfoContext(ctx, "oidc.callback.fail", slog.String("err", err.Error()))
		h.abandon(ctx, w, sess)
		httpjson.WriteError(w, http.StatusUnauthorized, "login failed")
		return
	}

	sub, _ := cs.Subject()
	sess.Login = nil
	sess.Subject = sub
	sess.Claims = cs
	sess.AccessToken = tok.AccessToken
	sess.IDToken = rawID
	if _, err := h.sessions.Rotate(ctx, w, sess); err != nil {
		h.log.ErrorContext(ctx, "oidc.callback.err", slog.String("err", err.Error()))
		httpjson.WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}
	h.log.InfoContext(ctx, "oidc.callback.ok", slog.String("sub", sub))
	http.Redirect(w, r, login.ReturnTo, http.StatusFound)
}

func (h *Handler) exchange(ctx context.Context, code string, login *sessions.Login) (claims.ClaimSet, *oauth2.Token, string, error) {
	tok, err := h.oauth.Exchange(context.WithValue(ctx, oauth2.HTTPClient, h.client), code, oauth2.VerifierOption(login.Verifier))
	if err != nil {
		return claims.ClaimSet{}, nil, "", fmt.Errorf("code exchange: %w", err)
	}
	rawID, _ := tok.Extra("id_token").(string)
	if rawID == "" {
		return claims.ClaimSet{}, nil, "", errors.New("token response has no id_token")
	}

	v := h.idTokens.WithAzp(h.cfg.ClientID).WithNonce(login.Nonce)
	if h.cfg.MaxAge > 0 {
		v = v.WithMaxAge(h.cfg.MaxAge)
	}
	cs, err := v.Verify(ctx, rawID)
	if err != nil {
		return claims.ClaimSet{}, nil, "", fmt.Errorf("id token: %w", err)
	}
	return cs, tok, rawID, nil
}

// abandon clears a failed login so its state cannot be replayed.
func (h *Handler) abandon(ctx context.Context, w http.ResponseWriter, sess *sessions.Session) {
	sess.Login = nil
	if err := h.sessions.Save(ctx, w, sess); err != nil {
		h.log.WarnContext(ctx, "oidc.login.abandon.fail", slog.String("err", err.Error()))
	}
}

// Logout deletes the session and redirects to the provider's logout
// endpoint. Only POST is accepted.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		httpjson.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ctx := r.Context()
	sess, err := h.sessions.Load(ctx, r)
	if err != nil {
		sess = nil
	}
	if err := h.sessions.Delete(ctx, w, sess); err != nil {
		h.log.ErrorContext(ctx, "oidc.logout.err", slog.String("err", err.Error()))
		httpjson.WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}
	var idToken string
	if sess != nil {
		idToken = sess.IDToken
		h.log.InfoContext(ctx, "oidc.logout.ok", slog.String("sub", sess.Subject))
	}
	http.Redirect(w, r, h.LogoutURL(idToken), http.StatusSeeOther)
}

// LogoutURL returns the provider logout URL: the advertised
// end_session_endpoint when there is one, otherwise the issuer's v2/logout.
func (h *Handler) LogoutURL(idTokenHint string) string {
	if h.meta.EndSessionEndpoint != "" {
		u, err := url.Parse(h.meta.EndSessionEndpoint)
		if err == nil {
			q := u.Query()
			q.Set("client_id", h.cfg.ClientID)
			if idTokenHint != "" {
				q.Set("id_token_hint", idTokenHint)
			}
			if h.cfg.PostLogoutRedirectURL != "" {
				q.Set("post_logout_redirect_uri", h.cfg.PostLogoutRedirectURL)
			}
			u.RawQuery = q.Encode()
			return u.String()
		}
	}

	q := url.Values{"client_id": {h.cfg.ClientID}}
	if h.cfg.PostLogoutRedirectURL != "" {
		q.Set("returnTo", h.cfg.PostLogoutRedirectURL)
	}
	return strings.TrimSuffix(h.cfg.Issuer, "/") + "/v2/logout?" + q.Encode()
}

// SafeReturnTo returns target when it is a local absolute path, and "/"
// otherwise.
func SafeReturnTo(target string) string {
	if target == "" || !strings.HasPrefix(target, "/") || strings.HasPrefix(target, "//") || strings.HasPrefix(target, "/\\") {
		return "/"
	}
	u, err := url.Parse(target)
	if err != nil || u.Scheme != "" || u.Host != "" || u.User != nil {
		return "/"
	}
	return target
}
