// Package server assembles the HTTP surface: bearer-guarded API routes,
// session-guarded app routes, the dataset gate, the OIDC login flow and the
// operational endpoints.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ggoodman/datasetauth/auth"
	"github.com/ggoodman/datasetauth/datasets"
	"github.com/ggoodman/datasetauth/internal/httpjson"
	"github.com/ggoodman/datasetauth/internal/logctx"
	"github.com/ggoodman/datasetauth/internal/wellknown"
	"github.com/ggoodman/datasetauth/oidcflow"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-Id"

// Routes registers application handlers on a router whose middleware has
// already authenticated the caller and checked dataset access.
type Routes func(r chi.Router)

// Option configures the server.
type Option func(*options)

type options struct {
	log      *slog.Logger
	registry *prometheus.Registry
	login    *oidcflow.Handler
	prm      *wellknown.ProtectedResourceMetadata
	api      Routes
	app      Routes
	ready    func(context.Context) error
}

// WithLogger sets the logger for request logging.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithMetrics exposes reg at /metrics.
func WithMetrics(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithLoginFlow mounts h under /auth.
func WithLoginFlow(h *oidcflow.Handler) Option {
	return func(o *options) { o.login = h }
}

// WithResourceMetadata serves doc at the RFC 9728 well-known path.
func WithResourceMetadata(doc wellknown.ProtectedResourceMetadata) Option {
	return func(o *options) { o.prm = &doc }
}

// WithAPIRoutes adds bearer-authenticated routes under /api.
func WithAPIRoutes(fn Routes) Option {
	return func(o *options) { o.api = fn }
}

// WithAppRoutes adds session-authenticated routes under /app.
func WithAppRoutes(fn Routes) Option {
	return func(o *options) { o.app = fn }
}

// WithReadiness makes /readyz report check's result.
func WithReadiness(check func(context.Context) error) Option {
	return func(o *options) { o.ready = check }
}

// New returns the root handler. guard authenticates /api (stateless) and
// /app (stateful); authz gates every route under both.
func New(guard *auth.Guard, authz *datasets.Authorizer, opts ...Option) (http.Handler, error) {
	if guard == nil || authz == nil {
		return nil, errors.New("server: guard and dataset authorizer are required")
	}
	o := options{log: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(&o)
	}

	r := chi.NewRouter()
	r.Use(requestContext, middleware.Recoverer, accessLog(o.log))
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httpjson.WriteError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		httpjson.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpjson.Write(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if o.ready != nil {
			if err := o.ready(r.Context()); err != nil {
				o.log.WarnContext(r.Context(), "server.ready.fail", slog.String("err", err.Error()))
				httpjson.WriteError(w, http.StatusServiceUnavailable, "not ready")
				return
			}
		}
		httpjson.Write(w, http.StatusOK, map[string]string{"status": "ready"})
	})
	if o.registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(o.registry, promhttp.HandlerOpts{Registry: o.registry}))
	}
	if o.prm != nil {
		r.Handle(wellknown.ProtectedResourcePath, wellknown.Handler(*o.prm))
	}
	if o.login != nil {
		r.Mount("/auth", o.login.Routes())
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(guard.Require(auth.ModeStateless))
		r.Group(func(r chi.Router) {
			r.Use(authz.Middleware)
			r.Get("/whoami", whoami)
			r.Get("/datasets/{dataset_id}/access", datasetAccess)
			if o.api != nil {
				o.api(r)
			}
		})
	})
	r.Route("/app", func(r chi.Router) {
		r.Use(guard.Require(auth.ModeStateful))
		r.Group(func(r chi.Router) {
			r.Use(authz.Middleware)
			r.Get("/whoami", whoami)
			if o.app != nil {
				o.app(r)
			}
		})
	})
	return r, nil
}

// requestContext attaches request log data and a request id.
func requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
			RequestID:  id,
			Method:     r.Method,
			UserAgent:  r.UserAgent(),
			RemoteAddr: r.RemoteAddr,
			Path:       r.URL.Path,
		})))
	})
}

func accessLog(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			log.InfoContext(r.Context(), "http.request.done",
				slog.Int("status", status),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("dur", time.Since(start)),
			)
		})
	}
}

type whoamiResponse struct {
	Subject string   `json:"sub"`
	Scopes  []string `json:"scopes"`
	Mode    string   `json:"mode"`
}

func whoami(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		httpjson.WriteError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	scopes := p.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	httpjson.Write(w, http.StatusOK, whoamiResponse{Subject: p.Subject, Scopes: scopes, Mode: p.Mode.String()})
}

// datasetAccess answers 204 once the dataset gate has admitted the request.
func datasetAccess(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}
