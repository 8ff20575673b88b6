package datasets

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ggoodman/datasetauth/auth"
	"github.com/ggoodman/datasetauth/internal/httpjson"
	"github.com/ggoodman/datasetauth/internal/logctx"
)

// AuthorizerOption configures an Authorizer.
type AuthorizerOption func(*Authorizer)

// WithLogger sets the authorizer's logger.
func WithLogger(log *slog.Logger) AuthorizerOption {
	return func(a *Authorizer) { a.log = log }
}

// Authorizer decides whether the principal of a request may touch the
// dataset the request names.
type Authorizer struct {
	repo *Repository
	log  *slog.Logger
}

// NewAuthorizer returns an Authorizer backed by repo.
func NewAuthorizer(repo *Repository, opts ...AuthorizerOption) *Authorizer {
	a := &Authorizer{repo: repo, log: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Authorize extracts the requested dataset id from r and checks it against
// the caller's authorized set. A request naming no dataset is allowed
// without consulting the upstream.
func (a *Authorizer) Authorize(ctx context.Context, r *http.Request) error {
	id, err := Extract(r)
	if err != nil {
		return err
	}
	if id == "" {
		return nil
	}
	return a.AuthorizeID(ctx, id)
}

// AuthorizeID checks a known dataset id against the caller's authorized set.
func (a *Authorizer) AuthorizeID(ctx context.Context, id string) error {
	var userID, credential string
	if p, ok := auth.PrincipalFrom(ctx); ok {
		userID, credential = p.UserID(), p.AccessToken
	}

	set, err := a.repo.AuthorizedIDs(ctx, userID, credential, false)
	if err != nil {
		return &AuthzError{Kind: KindUnauthorized, IDs: []string{id}, Err: err}
	}
	if _, ok := set[ID(id)]; !ok {
		return &AuthzError{Kind: KindForbidden, IDs: []string{id}}
	}
	return nil
}

// Middleware rejects requests for datasets the caller may not access. It
// must run after an auth.Guard so the principal is on the context, and it
// must be attached with chi's With or inside a Group so that route
// parameters are resolved before it runs.
func (a *Authorizer) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		err := a.Authorize(ctx, r)
		if err == nil {
			next.ServeHTTP(w, r)
			return
		}

		var aerr *AuthzError
		if errors.As(err, &aerr) && len(aerr.IDs) == 1 {
			ctx = logctx.WithDatasetData(ctx, &logctx.DatasetData{DatasetID: aerr.IDs[0]})
		}
		status, msg := StatusFor(err)
		a.log.InfoContext(ctx, "datasets.authorize.deny", slog.Int("status", status), slog.String("err", err.Error()))
		httpjson.WriteError(w, status, msg)
	})
}

// StatusFor maps an authorization error to an HTTP status and message.
func StatusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrAmbiguousDatasetID):
		return http.StatusUnauthorized, "multiple dataset IDs"
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, "forbidden"
	default:
		return http.StatusUnauthorized, "unable to authorize"
	}
}
