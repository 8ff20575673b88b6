// Package app wires configuration into the components shared by the
// datasetauthd server and the datasetauthctl CLI.
package app

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/ggoodman/datasetauth/cache"
	"github.com/ggoodman/datasetauth/datasets"
	"github.com/ggoodman/datasetauth/internal/config"
	"github.com/ggoodman/datasetauth/internal/logctx"
	"github.com/ggoodman/datasetauth/m2m"
	"github.com/ggoodman/datasetauth/storage"
	"github.com/ggoodman/datasetauth/storage/memory"
	redisstore "github.com/ggoodman/datasetauth/storage/redis"
	"github.com/ggoodman/datasetauth/users"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
)

// ErrDisabled is returned when an optional component is requested but not
// configured.
var ErrDisabled = errors.New("app: component not configured")

// NewLogger builds the process logger. Records are enriched with request and
// principal data carried on the context.
func NewLogger(cfg config.Log, w io.Writer) (*slog.Logger, error) {
	lvl, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	hopts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "text":
		h = slog.NewTextHandler(w, hopts)
	case "json", "":
		h = slog.NewJSONHandler(w, hopts)
	default:
		return nil, fmt.Errorf("app: unknown log format %q", cfg.Format)
	}
	return slog.New(logctx.New(h)), nil
}

// Storage is a storage backend together with its health check.
type Storage struct {
	storage.Storage
	// Ping reports whether the backend is reachable.
	Ping func(ctx context.Context) error
}

// NewStorage returns Redis-backed storage when an address is configured and
// bounded in-memory storage otherwise.
func NewStorage(cfg config.Storage) (*Storage, error) {
	if cfg.RedisAddr == "" {
		s, err := memory.New(cfg.MemoryItems)
		if err != nil {
			return nil, err
		}
		return &Storage{Storage: s, Ping: func(context.Context) error { return nil }}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	s, err := redisstore.New(redisstore.Config{Client: client, KeyPrefix: cfg.KeyPrefix})
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return &Storage{
		Storage: s,
		Ping:    func(ctx context.Context) error { return client.Ping(ctx).Err() },
	}, nil
}

// NewM2M returns the client-credentials token source.
func NewM2M(cfg *config.Config, store storage.Storage, metrics *cache.Metrics, log *slog.Logger) (*m2m.Source, error) {
	if !cfg.M2MEnabled() {
		return nil, fmt.Errorf("%w: set M2M_CLIENT_ID", ErrDisabled)
	}
	endpoint, err := m2m.NewClientCredentials(m2m.ClientCredentialsConfig{
		TokenURL:     cfg.M2M.TokenURL,
		ClientID:     cfg.M2M.ClientID,
		ClientSecret: cfg.M2M.ClientSecret,
		Audience:     cfg.M2M.Audience,
		Scopes:       config.Fields(cfg.M2M.Scopes),
	})
	if err != nil {
		return nil, err
	}
	c, err := cache.New[string](store, cache.WithNamespace("m2m"), cache.WithLogger(log), cache.WithMetrics(metrics))
	if err != nil {
		return nil, err
	}
	return m2m.NewSource(endpoint, c, m2m.WithLogger(log))
}

// NewUsers returns the cached user directory. It draws M2M tokens and so
// only works from trusted execution contexts.
func NewUsers(cfg *config.Config, src *m2m.Source, store storage.Storage, metrics *cache.Metrics, log *slog.Logger) (*users.Repository, error) {
	dir, err := users.NewHTTPDirectory(cfg.Users.BaseURL, src.Client(nil), users.WithDirectoryLogger(log))
	if err != nil {
		return nil, err
	}
	return users.NewRepository(dir, store,
		users.WithTTL(cfg.Users.CacheTTL),
		users.WithLogger(log),
		users.WithMetrics(metrics),
	)
}

// NewDatasets returns the cached dataset repository over the listing API.
func NewDatasets(cfg *config.Config, store storage.Storage, metrics *cache.Metrics, log *slog.Logger) (*datasets.Repository, error) {
	if cfg.Datasets.APIURL == "" {
		return nil, fmt.Errorf("%w: set DATASETS_API_URL", ErrDisabled)
	}
	lister, err := datasets.NewHTTPLister(cfg.Datasets.APIURL,
		datasets.WithListerLogger(log),
		datasets.WithBreaker(cfg.Datasets.BreakerThreshold, cfg.Datasets.BreakerCooldown),
	)
	if err != nil {
		return nil, err
	}
	c, err := cache.New[[]datasets.ID](store, cache.WithNamespace("datasets"), cache.WithLogger(log), cache.WithMetrics(metrics))
	if err != nil {
		return nil, err
	}
	return datasets.NewRepository(lister, c,
		datasets.WithTTL(cfg.Datasets.CacheTTL),
		datasets.WithRepositoryLogger(log),
	)
}

// LoadDecryptionKey reads a PEM encoded RSA or EC private key.
func LoadDecryptionKey(path string) (crypto.PrivateKey, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read decryption key: %w", err)
	}
	if k, err := jwt.ParseRSAPrivateKeyFromPEM(b); err == nil {
		return k, nil
	}
	if k, err := jwt.ParseECPrivateKeyFromPEM(b); err == nil {
		return k, nil
	}
	return nil, fmt.Errorf("decryption key %s: not a PEM RSA or EC private key", path)
}
