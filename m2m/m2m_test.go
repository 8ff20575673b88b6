package m2m_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/datasetauth/auth"
	"github.com/ggoodman/datasetauth/cache"
	"github.com/ggoodman/datasetauth/m2m"
	"github.com/ggoodman/datasetauth/m2m/m2mtest"
	"github.com/ggoodman/datasetauth/storage/memory"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newSource(t *testing.T, ep m2m.TokenEndpoint, now func() time.Time) (*m2m.Source, *cache.Cache[string]) {
	t.Helper()
	store, err := memory.New(16)
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	opts := []cache.Option{cache.WithNamespace("m2m")}
	if now != nil {
		opts = append(opts, cache.WithClock(now))
	}
	c, err := cache.New[string](store, opts...)
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	src, err := m2m.NewSource(ep, c)
	if err != nil {
		t.Fatalf("NewSource: %v", err)
	}
	return src, c
}

func trusted() context.Context {
	return auth.WithExecution(context.Background(), auth.ExecBackground)
}

func TestSource_NotAllowedInRequestContext(t *testing.T) {
	ep := m2mtest.NewEndpoint(time.Hour)
	src, c := newSource(t, ep, nil)

	// A valid token is already cached.
	if err := c.Set(context.Background(), m2m.CacheKey, "cached-token", time.Hour); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	for name, ctx := range map[string]context.Context{
		"unmarked": context.Background(),
		"request":  auth.WithExecution(context.Background(), auth.ExecRequest),
	} {
		t.Run(name, func(t *testing.T) {
			tok, err := src.Token(ctx)
			if !errors.Is(err, m2m.ErrNotAllowedInThisContext) {
				t.Fatalf("Token() = %q, %v; want ErrNotAllowedInThisContext", tok, err)
			}
			if tok != "" {
				t.Fatalf("token leaked to untrusted caller: %q", tok)
			}
		})
	}
	if ep.Calls() != 0 {
		t.Fatalf("endpoint called %d times from untrusted contexts", ep.Calls())
	}

	for _, e := range []auth.Execution{auth.ExecBackground, auth.ExecCLI} {
		tok, err := src.Token(auth.WithExecution(context.Background(), e))
		if err != nil || tok != "cached-token" {
			t.Fatalf("%v: Token() = %q, %v", e, tok, err)
		}
	}
}

func TestSource_RefreshesAtHalfLifetime(t *testing.T) {
	clk := &clock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	ep := m2mtest.NewEndpoint(200 * time.Second)
	src, _ := newSource(t, ep, clk.Now)
	ctx := trusted()

	tok, err := src.Token(ctx)
	if err != nil || tok != "token-1" {
		t.Fatalf("first Token() = %q, %v", tok, err)
	}

	clk.Advance(99 * time.Second)
	if tok, _ := src.Token(ctx); tok != "token-1" {
		t.Fatalf("at 99s got %q, want cached token-1", tok)
	}
	if ep.Calls() != 1 {
		t.Fatalf("calls at 99s = %d, want 1", ep.Calls())
	}

	clk.Advance(2 * time.Second)
	if tok, _ := src.Token(ctx); tok != "token-2" {
		t.Fatalf("at 101s got %q, want refreshed token-2", tok)
	}
	if ep.Calls() != 2 {
		t.Fatalf("calls at 101s = %d, want 2", ep.Calls())
	}
}

func TestSource_CoalescesConcurrentFetches(t *testing.T) {
	ep := m2mtest.NewEndpoint(time.Hour)
	ep.Block = make(chan struct{})
	src, _ := newSource(t, ep, nil)

	const n = 20
	var wg sync.WaitGroup
	toks := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			toks[i], _ = src.Token(trusted())
		}(i)
	}
	for ep.Calls() == 0 {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(ep.Block)
	wg.Wait()

	if ep.Calls() != 1 {
		t.Fatalf("endpoint calls = %d, want 1", ep.Calls())
	}
	for i, tok := range toks {
		if tok != "token-1" {
			t.Fatalf("caller %d got %q", i, tok)
		}
	}
}

func TestSource_EndpointErrorIsNotCached(t *testing.T) {
	ep := m2mtest.NewEndpoint(time.Hour)
	ep.Err = errors.New("invalid_client")
	src, _ := newSource(t, ep, nil)

	_, err := src.Token(trusted())
	var le *cache.LoadError
	if !errors.As(err, &le) || !errors.Is(err, ep.Err) {
		t.Fatalf("Token() error = %v", err)
	}

	ep.Err = nil
	if tok, err := src.Token(trusted()); err != nil || tok != "token-2" {
		t.Fatalf("Token() after recovery = %q, %v", tok, err)
	}
}

func TestSource_Invalidate(t *testing.T) {
	ep := m2mtest.NewEndpoint(time.Hour)
	src, _ := newSource(t, ep, nil)
	ctx := trusted()

	_, _ = src.Token(ctx)
	if err := src.Invalidate(ctx); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if tok, _ := src.Token(ctx); tok != "token-2" {
		t.Fatalf("Token() after invalidate = %q", tok)
	}
}

func TestCacheTTL(t *testing.T) {
	cases := []struct {
		in, want time.Duration
	}{
		{200 * time.Second, 100 * time.Second},
		{201 * time.Second, 100 * time.Second},
		{86400 * time.Second, 43200 * time.Second},
		{1 * time.Second, 0},
		{0, 0},
		{-time.Second, 0},
	}
	for _, tc := range cases {
		if got := m2m.CacheTTL(tc.in); got != tc.want {
			t.Fatalf("CacheTTL(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
