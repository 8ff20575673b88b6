package users

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ggoodman/datasetauth/cache"
	"github.com/ggoodman/datasetauth/storage"
)

// DefaultTTL is how long directory reads are cached.
const DefaultTTL = 10 * time.Minute

const allKey = "all"

type options struct {
	ttl     time.Duration
	log     *slog.Logger
	now     func() time.Time
	metrics *cache.Metrics
}

// Option configures a Repository.
type Option func(*options)

// WithTTL overrides DefaultTTL.
func WithTTL(d time.Duration) Option {
	return func(o *options) { o.ttl = d }
}

// WithLogger sets the repository's logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithClock overrides the clock used for cache freshness.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithMetrics records cache activity on m.
func WithMetrics(m *cache.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// Repository caches directory reads. Mutation flows call Invalidate or
// InvalidateAll after changing the directory.
type Repository struct {
	dir Directory
	ttl time.Duration
	log *slog.Logger

	all  *cache.Cache[[]User]
	byID *cache.Cache[User]
}

// NewRepository caches dir in store.
func NewRepository(dir Directory, store storage.Storage, opts ...Option) (*Repository, error) {
	if dir == nil {
		return nil, errors.New("users: directory is required")
	}
	o := options{ttl: DefaultTTL, log: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(&o)
	}
	if o.ttl <= 0 {
		return nil, errors.New("users: ttl must be positive")
	}

	copts := []cache.Option{cache.WithLogger(o.log), cache.WithMetrics(o.metrics)}
	if o.now != nil {
		copts = append(copts, cache.WithClock(o.now))
	}
	all, err := cache.New[[]User](store, append(copts, cache.WithNamespace("users.all"))...)
	if err != nil {
		return nil, fmt.Errorf("users: %w", err)
	}
	byID, err := cache.New[User](store, append(copts, cache.WithNamespace("users.byid"))...)
	if err != nil {
		return nil, fmt.Errorf("users: %w", err)
	}
	return &Repository{dir: dir, ttl: o.ttl, log: o.log, all: all, byID: byID}, nil
}

// All returns every user in the directory.
func (r *Repository) All(ctx context.Context) ([]User, error) {
	return r.all.GetOrLoad(ctx, allKey, func(ctx context.Context) ([]User, time.Duration, error) {
		list, err := r.dir.List(ctx)
		if err != nil {
			return nil, 0, err
		}
		return list, r.ttl, nil
	})
}

// Get returns the user with the given id. Misses are not cached.
func (r *Repository) Get(ctx context.Context, id string) (User, error) {
	return r.byID.GetOrLoad(ctx, userKey(id), func(ctx context.Context) (User, time.Duration, error) {
		u, err := r.dir.Get(ctx, id)
		if err != nil {
			return User{}, 0, err
		}
		return u, r.ttl, nil
	})
}

// Invalidate drops the cached entry for id and the "all users" aggregate.
func (r *Repository) Invalidate(ctx context.Context, id string) error {
	r.log.DebugContext(ctx, "users.cache.invalidate", slog.String("user_id", id))
	return errors.Join(
		r.byID.Invalidate(ctx, userKey(id)),
		r.all.Invalidate(ctx, allKey),
	)
}

// InvalidateAll drops every cached directory read.
func (r *Repository) InvalidateAll(ctx context.Context) error {
	return errors.Join(r.byID.InvalidateAll(ctx), r.all.InvalidateAll(ctx))
}

func userKey(id string) string { return "user:" + id }
