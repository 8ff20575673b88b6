// Package cache implements a keyed, TTL-bounded cache over storage.Storage
// that coalesces concurrent loads of the same key.
//
// GetOrLoad guarantees at most one in-flight loader per key within a process.
// The loader runs on a context detached from the caller's cancellation, so a
// caller that gives up does not abort the load for everyone else waiting on
// it. Failed loads are never stored.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/datasetauth/storage"
	"golang.org/x/sync/singleflight"
)

// DefaultNamespace is used when WithNamespace is not supplied.
const DefaultNamespace = "cache"

// Loader produces the value for a missing key together with how long it may
// be served. A ttl of zero or less means the value is returned to the
// current callers but not retained.
type Loader[V any] func(ctx context.Context) (value V, ttl time.Duration, err error)

// Cache is safe for concurrent use.
type Cache[V any] struct {
	store   storage.Storage
	ns      string
	now     func() time.Time
	log     *slog.Logger
	metrics *Metrics
	group   singleflight.Group

	// mu guards epoch and gens, which Invalidate and InvalidateAll advance so
	// that flights started earlier do not write back.
	mu    sync.Mutex
	epoch uint64
	gens  map[string]uint64
}

type generation struct {
	epoch, gen uint64
}

type options struct {
	namespace string
	now       func() time.Time
	log       *slog.Logger
	metrics   *Metrics
}

// Option configures a Cache.
type Option func(*options)

// WithNamespace isolates the cache's keys inside the backing store.
func WithNamespace(ns string) Option {
	return func(o *options) { o.namespace = ns }
}

// WithClock overrides the clock used to judge freshness.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLogger sets the logger used for storage and load failures.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithMetrics records hits, misses and loads on m.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// New returns a cache storing its entries in store.
func New[V any](store storage.Storage, opts ...Option) (*Cache[V], error) {
	if store == nil {
		return nil, fmt.Errorf("cache: storage is required")
	}
	o := options{namespace: DefaultNamespace}
	for _, opt := range opts {
		opt(&o)
	}
	if o.namespace == "" {
		return nil, fmt.Errorf("cache: namespace must not be empty")
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.log == nil {
		o.log = slog.New(slog.DiscardHandler)
	}
	return &Cache[V]{
		store:   store,
		ns:      o.namespace,
		now:     o.now,
		log:     o.log.With(slog.String("cache", o.namespace)),
		metrics: o.metrics,
		gens:    map[string]uint64{},
	}, nil
}

// envelope is the stored form of an entry.
type envelope struct {
	Value    json.RawMessage `json:"value"`
	StoredAt time.Time       `json:"stored_at"`
	TTL      time.Duration   `json:"ttl"`
}

// GetOrLoad returns the fresh value for key, invoking loader when the entry is
// absent or stale. Concurrent callers for the same key share one loader
// invocation and observe its value or its *LoadError. If ctx ends first the
// caller gets ctx.Err() and the load carries on.
func (c *Cache[V]) GetOrLoad(ctx context.Context, key string, loader Loader[V]) (V, error) {
	var zero V

	if v, ok := c.lookup(ctx, key); ok {
		c.metrics.hit(c.ns)
		return v, nil
	}
	c.metrics.miss(c.ns)

	ch := c.group.DoChan(key, func() (any, error) {
		lctx := context.WithoutCancel(ctx)
		gen := c.generation(key)

		// A flight that finished between our lookup and DoChan has already
		// stored the value.
		if v, ok := c.lookup(lctx, key); ok {
			return v, nil
		}

		start := time.Now()
		v, ttl, err := loader(lctx)
		c.metrics.load(c.ns, time.Since(start).Seconds(), err != nil)
		if err != nil {
			c.log.WarnContext(lctx, "cache.load.fail", slog.String("key", key), slog.String("err", err.Error()))
			return nil, &LoadError{Key: key, Err: err}
		}
		if ttl > 0 {
			c.putIfCurrent(lctx, key, v, ttl, gen)
		}
		return v, nil
	})

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		v, _ := res.Val.(V)
		return v, nil
	}
}

// Get returns the fresh value for key without loading.
func (c *Cache[V]) Get(ctx context.Context, key string) (V, bool) {
	return c.lookup(ctx, key)
}

// Set stores v under key for ttl. A ttl of zero or less removes the entry.
func (c *Cache[V]) Set(ctx context.Context, key string, v V, ttl time.Duration) error {
	if ttl <= 0 {
		return c.Invalidate(ctx, key)
	}
	return c.write(ctx, key, v, ttl)
}

// Invalidate evicts key. Loads already in flight are not cancelled and their
// waiters still receive the loaded value, but it is not stored; callers
// arriving after Invalidate start a new load.
func (c *Cache[V]) Invalidate(ctx context.Context, key string) error {
	c.mu.Lock()
	c.gens[key]++
	c.mu.Unlock()
	c.group.Forget(key)
	if err := c.store.Delete(ctx, storage.WithNamespace(c.ns), storage.WithKey(key)); err != nil {
		return fmt.Errorf("cache: invalidate %q: %w", key, err)
	}
	return nil
}

// InvalidateAll evicts every entry in the cache's namespace.
func (c *Cache[V]) InvalidateAll(ctx context.Context) error {
	c.mu.Lock()
	c.epoch++
	clear(c.gens)
	c.mu.Unlock()
	if err := c.store.Delete(ctx, storage.WithNamespace(c.ns)); err != nil {
		return fmt.Errorf("cache: invalidate all: %w", err)
	}
	return nil
}

func (c *Cache[V]) lookup(ctx context.Context, key string) (V, bool) {
	var zero V

	item, err := c.store.Get(ctx, key, storage.WithNamespace(c.ns))
	if err != nil {
		c.log.WarnContext(ctx, "cache.read.fail", slog.String("key", key), slog.String("err", err.Error()))
		return zero, false
	}
	if item == nil {
		return zero, false
	}

	var env envelope
	if err := json.Unmarshal(item.Data, &env); err != nil {
		c.log.WarnContext(ctx, "cache.decode.fail", slog.String("key", key), slog.String("err", err.Error()))
		return zero, false
	}
	if c.now().After(env.StoredAt.Add(env.TTL)) {
		return zero, false
	}

	var v V
	if err := json.Unmarshal(env.Value, &v); err != nil {
		c.log.WarnContext(ctx, "cache.decode.fail", slog.String("key", key), slog.String("err", err.Error()))
		return zero, false
	}
	return v, true
}

func (c *Cache[V]) generation(key string) generation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return generation{epoch: c.epoch, gen: c.gens[key]}
}

// putIfCurrent stores a loaded value unless key was invalidated since gen was
// taken. An invalidation racing the write is caught by the second check.
func (c *Cache[V]) putIfCurrent(ctx context.Context, key string, v V, ttl time.Duration, gen generation) {
	if c.generation(key) != gen {
		c.log.DebugContext(ctx, "cache.write.stale", slog.String("key", key))
		return
	}
	if err := c.write(ctx, key, v, ttl); err != nil {
		c.log.WarnContext(ctx, "cache.write.fail", slog.String("key", key), slog.String("err", err.Error()))
		return
	}
	if c.generation(key) != gen {
		if err := c.store.Delete(ctx, storage.WithNamespace(c.ns), storage.WithKey(key)); err != nil {
			c.log.WarnContext(ctx, "cache.write.fail", slog.String("key", key), slog.String("err", err.Error()))
		}
	}
}

func (c *Cache[V]) write(ctx context.Context, key string, v V, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache: encode %q: %w", key, err)
	}
	data, err := json.Marshal(envelope{Value: raw, StoredAt: c.now(), TTL: ttl})
	if err != nil {
		return fmt.Errorf("cache: encode %q: %w", key, err)
	}
	if err := c.store.Set(ctx, key, data, storage.WithNamespace(c.ns), storage.WithTTL(ttl)); err != nil {
		return fmt.Errorf("cache: write %q: %w", key, err)
	}
	return nil
}
