package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ggoodman/datasetauth/auth"
	"github.com/ggoodman/datasetauth/cache"
	"github.com/ggoodman/datasetauth/datasets"
	"github.com/ggoodman/datasetauth/internal/config"
	"github.com/ggoodman/datasetauth/internal/jwtauth"
	"github.com/ggoodman/datasetauth/internal/wellknown"
	"github.com/ggoodman/datasetauth/oidcflow"
	"github.com/ggoodman/datasetauth/server"
	"github.com/ggoodman/datasetauth/sessions"
	"github.com/ggoodman/datasetauth/users"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

// Server is the assembled datasetauthd process.
type Server struct {
	cfg     *config.Config
	log     *slog.Logger
	handler http.Handler
	users   *users.Repository

	closers []io.Closer
}

// NewServer builds every component named by cfg. Discovery against the
// issuer happens here, so ctx bounds startup.
func NewServer(ctx context.Context, cfg *config.Config, log *slog.Logger) (_ *Server, err error) {
	s := &Server{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	store, err := NewStorage(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	s.closers = append(s.closers, store)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := cache.NewMetrics(reg)

	authn, err := s.newAuthenticator(ctx)
	if err != nil {
		return nil, fmt.Errorf("authenticator: %w", err)
	}

	repo, err := NewDatasets(cfg, store, metrics, log)
	if err != nil {
		return nil, fmt.Errorf("datasets: %w", err)
	}
	authz := datasets.NewAuthorizer(repo, datasets.WithLogger(log))

	signer, err := newSigner(cfg.Session, log)
	if err != nil {
		return nil, fmt.Errorf("session signer: %w", err)
	}
	sess, err := sessions.NewStore(store, signer,
		sessions.WithCookieName(cfg.Session.CookieName),
		sessions.WithTTL(cfg.Session.TTL),
		sessions.WithSecureCookie(cfg.Session.SecureCookie),
		sessions.WithLogger(log),
	)
	if err != nil {
		return nil, fmt.Errorf("sessions: %w", err)
	}

	gopts := []auth.GuardOption{
		auth.WithAuthenticator(authn),
		auth.WithSessionLoader(sess),
		auth.WithRealm(cfg.Auth.Realm),
		auth.WithGuardLogger(log),
	}
	sopts := []server.Option{
		server.WithLogger(log),
		server.WithMetrics(reg),
		server.WithReadiness(store.Ping),
	}

	meta := authn.Metadata()
	if meta == nil && (cfg.OIDCEnabled() || cfg.HTTP.PublicURL != "") {
		if _, meta, err = jwtauth.Discover(ctx, cfg.Auth.Issuer, nil); err != nil {
			return nil, fmt.Errorf("discovery: %w", err)
		}
	}
	if cfg.HTTP.PublicURL != "" {
		doc := wellknown.NewProtectedResourceMetadata(cfg.Auth.Audience, cfg.Auth.Issuer, meta.JwksURI, config.Fields(cfg.Auth.RequiredScopes))
		sopts = append(sopts, server.WithResourceMetadata(doc))
		gopts = append(gopts, auth.WithResourceMetadata(strings.TrimSuffix(cfg.HTTP.PublicURL, "/")+wellknown.ProtectedResourcePath))
	}
	if cfg.OIDCEnabled() {
		flow, err := oidcflow.New(oidcflow.Config{
			Issuer:                cfg.Auth.Issuer,
			ClientID:              cfg.OIDC.ClientID,
			ClientSecret:          cfg.OIDC.ClientSecret,
			RedirectURL:           cfg.OIDC.RedirectURL,
			Audience:              cfg.Auth.Audience,
			Scopes:                config.Fields(cfg.OIDC.Scopes),
			MaxAge:                cfg.OIDC.MaxAge,
			PostLogoutRedirectURL: cfg.OIDC.PostLogoutRedirectURL,
		}, meta, authn.Verifier().Keys(), sess,
			oidcflow.WithLogger(log),
			oidcflow.WithAllowedAlgs(config.Fields(cfg.Auth.AllowedAlgs)...),
		)
		if err != nil {
			return nil, fmt.Errorf("oidc: %w", err)
		}
		sopts = append(sopts, server.WithLoginFlow(flow))
	}

	if cfg.M2MEnabled() {
		src, err := NewM2M(cfg, store, metrics, log)
		if err != nil {
			return nil, fmt.Errorf("m2m: %w", err)
		}
		if s.users, err = NewUsers(cfg, src, store, metrics, log); err != nil {
			return nil, fmt.Errorf("users: %w", err)
		}
	}

	s.handler, err = server.New(auth.NewGuard(gopts...), authz, sopts...)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Server) newAuthenticator(ctx context.Context) (*auth.AccessTokenAuthenticator, error) {
	cfg := s.cfg.Auth
	opts := []auth.AccessTokenAuthOption{
		auth.WithLogger(s.log),
		auth.WithLeeway(cfg.Leeway),
	}
	if algs := config.Fields(cfg.AllowedAlgs); len(algs) > 0 {
		opts = append(opts, auth.WithAllowedAlgs(algs...))
	}
	if scopes := config.Fields(cfg.RequiredScopes); len(scopes) > 0 {
		opts = append(opts, auth.WithRequiredScopes(scopes...))
	}
	if cfg.AuthorizedParty != "" {
		opts = append(opts, auth.WithAuthorizedParty(cfg.AuthorizedParty))
	}
	if cfg.DecryptionKeyFile != "" {
		key, err := LoadDecryptionKey(cfg.DecryptionKeyFile)
		if err != nil {
			return nil, err
		}
		opts = append(opts, auth.WithDecryptionKey(key))
	}
	if cfg.JWKSFile != "" {
		fk, err := jwtauth.NewFileKeys(context.WithoutCancel(ctx), cfg.JWKSFile, s.log)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, fk)
		opts = append(opts, auth.WithKeySource(fk))
	}
	return auth.NewFromDiscovery(ctx, cfg.Issuer, cfg.Audience, opts...)
}

func newSigner(cfg config.Session, log *slog.Logger) (*sessions.Signer, error) {
	seed, err := cfg.Seed()
	if err != nil {
		return nil, err
	}
	if seed == nil {
		log.Warn("sessions.signer.ephemeral")
		return sessions.GenerateSigner("ephemeral")
	}
	return sessions.NewSignerFromSeed("configured", seed)
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Run listens on the configured address and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.HTTP.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then drains in-flight requests for
// up to the configured shutdown timeout. When the user directory is
// configured, it is kept warm in the background.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: s.cfg.HTTP.ReadHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(s.log.Handler(), slog.LevelWarn),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("server.listen", slog.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), s.cfg.HTTP.ShutdownTimeout)
		defer cancel()
		s.log.Info("server.shutdown")
		return srv.Shutdown(sctx)
	})
	if s.users != nil {
		g.Go(func() error {
			s.refreshUsers(auth.WithExecution(gctx, auth.ExecBackground))
			return nil
		})
	}
	return g.Wait()
}

func (s *Server) refreshUsers(ctx context.Context) {
	every := s.cfg.Users.CacheTTL / 2
	if every < time.Second {
		every = time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		all, err := s.users.All(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			s.log.WarnContext(ctx, "users.refresh.fail", slog.String("err", err.Error()))
		case err == nil:
			s.log.DebugContext(ctx, "users.refresh.ok", slog.Int("count", len(all)))
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Close releases storage connections and file watchers.
func (s *Server) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i].Close())
	}
	s.closers = nil
	return errors.Join(errs...)
}
