package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ggoodman/datasetauth/internal/httpjson"
	"github.com/ggoodman/datasetauth/internal/logctx"
)

const (
	authorizationHeader   = "Authorization"
	wwwAuthenticateHeader = "WWW-Authenticate"
)

// SessionLoader resolves the principal of a stateful request. It returns
// ErrNoSession when the request carries no valid session.
type SessionLoader interface {
	LoadPrincipal(r *http.Request) (*Principal, error)
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithAuthenticator enables ModeStateless routes.
func WithAuthenticator(a Authenticator) GuardOption {
	return func(g *Guard) { g.authn = a }
}

// WithSessionLoader enables ModeStateful routes.
func WithSessionLoader(s SessionLoader) GuardOption {
	return func(g *Guard) { g.sessions = s }
}

// WithRealm sets the realm advertised in bearer challenges.
func WithRealm(realm string) GuardOption {
	return func(g *Guard) { g.realm = realm }
}

// WithResourceMetadata advertises the protected resource metadata document
// (RFC 9728) at url in every bearer challenge.
func WithResourceMetadata(url string) GuardOption {
	return func(g *Guard) { g.resourceMetadata = url }
}

// WithGuardLogger sets the guard's logger.
func WithGuardLogger(l *slog.Logger) GuardOption {
	return func(g *Guard) { g.log = l }
}

// Guard authenticates requests before they reach protected handlers. The
// authentication strategy is chosen per route by the Mode passed to Require
// rather than inferred from the request.
type Guard struct {
	authn            Authenticator
	sessions         SessionLoader
	realm            string
	resourceMetadata string
	log              *slog.Logger
}

// NewGuard constructs a Guard.
func NewGuard(opts ...GuardOption) *Guard {
	g := &Guard{log: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Require returns middleware admitting only requests authenticated with mode.
// Admitted requests carry their Principal (see PrincipalFrom) and are marked
// ExecRequest.
func (g *Guard) Require(mode Mode) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			p, ch := g.Authenticate(ctx, r, mode)
			if ch != nil {
				if hdr := g.challengeHeader(ch); hdr != "" {
					w.Header().Add(wwwAuthenticateHeader, hdr)
				}
				httpjson.WriteError(w, ch.Status, ch.Message)
				return
			}

			ctx = WithExecution(WithPrincipal(ctx, p), ExecRequest)
			ctx = logctx.WithPrincipalData(ctx, &logctx.PrincipalData{Subject: p.Subject, Mode: p.Mode.String()})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (g *Guard) challengeHeader(ch *AuthenticationChallenge) string {
	if ch.WWWAuthenticate == "" || g.resourceMetadata == "" {
		return ch.WWWAuthenticate
	}
	param := fmt.Sprintf(`resource_metadata="%s"`, strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(g.resourceMetadata))
	if ch.WWWAuthenticate == "Bearer" {
		return "Bearer " + param
	}
	return ch.WWWAuthenticate + ", " + param
}

// Authenticate resolves the principal for r under mode, or the challenge to
// send instead.
func (g *Guard) Authenticate(ctx context.Context, r *http.Request, mode Mode) (*Principal, *AuthenticationChallenge) {
	switch mode {
	case ModeStateless:
		return g.checkBearer(ctx, r)
	case ModeStateful:
		return g.checkSession(ctx, r)
	default:
		g.log.ErrorContext(ctx, "auth.mode.unknown", slog.Int("mode", int(mode)))
		return nil, &AuthenticationChallenge{Status: http.StatusInternalServerError, Message: "internal error"}
	}
}

func (g *Guard) checkBearer(ctx context.Context, r *http.Request) (*Principal, *AuthenticationChallenge) {
	if g.authn == nil {
		g.log.ErrorContext(ctx, "auth.check.err", slog.String("err", "no authenticator configured"))
		return nil, &AuthenticationChallenge{Status: http.StatusInternalServerError, Message: "internal error"}
	}

	authHeader := r.Header.Get(authorizationHeader)
	if authHeader == "" {
		g.log.InfoContext(ctx, "auth.check.missing", slog.String("err", "no authorization header"))
		return nil, NewAuthenticationRequired(g.realm)
	}

	const bearerPrefix = "bearer "
	if len(authHeader) <= len(bearerPrefix) || !strings.EqualFold(authHeader[:len(bearerPrefix)], bearerPrefix) {
		g.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "malformed bearer authorization header"))
		return nil, NewInvalidAuthorizationHeader(g.realm, "malformed bearer authorization header")
	}
	tok := strings.TrimSpace(authHeader[len(bearerPrefix):])
	if tok == "" {
		g.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "empty bearer token"))
		return nil, NewInvalidAuthorizationHeader(g.realm, "empty bearer token")
	}

	p, err := g.authn.CheckAuthentication(ctx, tok)
	switch {
	case err == nil:
		g.log.DebugContext(ctx, "auth.check.ok", slog.String("sub", p.Subject))
		return p, nil
	case errors.Is(err, ErrInsufficientScope):
		g.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
		return nil, NewInsufficientScopeResult(g.realm, "token lacks a required scope", "")
	case errors.Is(err, ErrUnauthorized):
		g.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
		return nil, NewInvalidTokenResult(g.realm, "the access token is invalid")
	default:
		g.log.ErrorContext(ctx, "auth.check.err", slog.String("err", err.Error()))
		return nil, &AuthenticationChallenge{Status: http.StatusInternalServerError, Message: "internal error"}
	}
}

func (g *Guard) checkSession(ctx context.Context, r *http.Request) (*Principal, *AuthenticationChallenge) {
	if g.sessions == nil {
		g.log.ErrorContext(ctx, "auth.session.err", slog.String("err", "no session loader configured"))
		return nil, &AuthenticationChallenge{Status: http.StatusInternalServerError, Message: "internal error"}
	}
	p, err := g.sessions.LoadPrincipal(r)
	if err != nil {
		if errors.Is(err, ErrNoSession) {
			g.log.InfoContext(ctx, "auth.session.missing")
		} else {
			g.log.WarnContext(ctx, "auth.session.fail", slog.String("err", err.Error()))
		}
		return nil, NewSessionRequired()
	}
	p.Mode = ModeStateful
	return p, nil
}
