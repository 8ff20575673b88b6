package sessions

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ggoodman/datasetauth/auth"
	"github.com/ggoodman/datasetauth/internal/claims"
	"github.com/ggoodman/datasetauth/storage"
	"github.com/ggoodman/datasetauth/storage/memory"
	redisstore "github.com/ggoodman/datasetauth/storage/redis"
	"github.com/redis/go-redis/v9"
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

func newTestStore(t *testing.T, backend storage.Storage, opts ...Option) *Store {
	t.Helper()
	signer, err := GenerateSigner("k1")
	if err != nil {
		t.Fatalf("GenerateSigner: %v", err)
	}
	s, err := NewStore(backend, signer, opts...)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func memoryBackend(t *testing.T) storage.Storage {
	t.Helper()
	m, err := memory.New(64)
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// carry returns a request bearing the cookies set on rec.
func carry(rec *httptest.ResponseRecorder) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	for _, c := range rec.Result().Cookies() {
		if c.MaxAge >= 0 {
			r.AddCookie(c)
		}
	}
	return r
}

func authenticated(s *Store) *Session {
	sess := s.New()
	sess.Subject = "auth0|alice"
	sess.AccessToken = "at-1"
	sess.Claims = claims.New(map[string]any{"sub": "auth0|alice", "scope": "read:datasets openid"})
	return sess
}

func TestSigner_RoundTripAndRotation(t *testing.T) {
	s, err := GenerateSigner("old")
	if err != nil {
		t.Fatalf("GenerateSigner: %v", err)
	}
	tok, err := s.Sign([]byte(`{"sid":"x"}`))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	s.AddKey("new", priv)
	if err := s.SetActive("new"); err != nil {
		t.Fatalf("SetActive: %v", err)
	}

	payload, kid, err := s.Verify(tok)
	if err != nil || kid != "old" || string(payload) != `{"sid":"x"}` {
		t.Fatalf("Verify old cookie = %q, %q, %v", payload, kid, err)
	}
	tok2, _ := s.Sign([]byte("y"))
	if _, kid, err := s.Verify(tok2); err != nil || kid != "new" {
		t.Fatalf("Verify new cookie kid=%q err=%v", kid, err)
	}
	if err := s.SetActive("missing"); err == nil {
		t.Fatal("SetActive should reject unknown kid")
	}
}

func TestSigner_RejectsForeignAndTampered(t *testing.T) {
	a, _ := GenerateSigner("k")
	b, _ := GenerateSigner("k")
	tok, _ := a.Sign([]byte("payload"))

	if _, _, err := b.Verify(tok); !errors.Is(err, ErrInvalidCookie) {
		t.Fatalf("foreign key: expected ErrInvalidCookie, got %v", err)
	}
	parts := strings.Split(tok, ".")
	parts[1] = "eyJzaWQiOiJldmlsIn0"
	if _, _, err := a.Verify(strings.Join(parts, ".")); !errors.Is(err, ErrInvalidCookie) {
		t.Fatalf("tampered payload: expected ErrInvalidCookie, got %v", err)
	}
	if _, _, err := a.Verify("not-a-jws"); !errors.Is(err, ErrInvalidCookie) {
		t.Fatalf("garbage: expected ErrInvalidCookie, got %v", err)
	}
}

func TestNewSignerFromSeed(t *testing.T) {
	seed := make([]byte, ed25519.SeedSize)
	a, err := NewSignerFromSeed("k", seed)
	if err != nil {
		t.Fatalf("NewSignerFromSeed: %v", err)
	}
	b, _ := NewSignerFromSeed("k", seed)
	tok, _ := a.Sign([]byte("p"))
	if _, _, err := b.Verify(tok); err != nil {
		t.Fatalf("same seed must verify: %v", err)
	}
	if _, err := NewSignerFromSeed("k", []byte("short")); err == nil {
		t.Fatal("expected error for short seed")
	}
}

func TestStore_SaveLoad(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, memoryBackend(t))
	sess := authenticated(s)

	rec := httptest.NewRecorder()
	if err := s.Save(ctx, rec, sess); err != nil {
		t.Fatalf("Save: %v", err)
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != DefaultCookieName || !cookies[0].HttpOnly || !cookies[0].Secure {
		t.Fatalf("unexpected cookie: %+v", cookies)
	}
	if strings.Contains(cookies[0].Value, sess.AccessToken) {
		t.Fatal("cookie must not carry session contents")
	}

	got, err := s.Load(ctx, carry(rec))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.ID != sess.ID || got.Subject != sess.Subject || got.AccessToken != "at-1" {
		t.Fatalf("loaded session = %+v", got)
	}
	if scopes := got.Claims.Scopes(); len(scopes) != 2 {
		t.Fatalf("claims not persisted: %v", scopes)
	}
}

func TestStore_LoadMissing(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, memoryBackend(t))

	if _, err := s.Load(ctx, httptest.NewRequest(http.MethodGet, "/", nil)); !errors.Is(err, auth.ErrNoSession) {
		t.Fatalf("no cookie: expected ErrNoSession, got %v", err)
	}

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: DefaultCookieName, Value: "forged"})
	if _, err := s.Load(ctx, r); !errors.Is(err, ErrNotFound) {
		t.Fatalf("forged cookie: expected ErrNotFound, got %v", err)
	}

	// A validly signed cookie for a session that was never stored.
	other, err := NewStore(memoryBackend(t), s.signer)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	rec := httptest.NewRecorder()
	_ = other.Save(ctx, rec, other.New())
	if _, err := s.Load(ctx, carry(rec)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign cookie: expected ErrNotFound, got %v", err)
	}
}

func TestStore_Expiry(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: time.Now()}
	s := newTestStore(t, memoryBackend(t), WithTTL(time.Hour), WithClock(clk.Now))

	rec := httptest.NewRecorder()
	if err := s.Save(ctx, rec, authenticated(s)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	clk.Advance(59 * time.Minute)
	if _, err := s.Load(ctx, carry(rec)); err != nil {
		t.Fatalf("Load before expiry: %v", err)
	}
	clk.Advance(2 * time.Minute)
	if _, err := s.Load(ctx, carry(rec)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load after expiry: expected ErrNotFound, got %v", err)
	}
}

func TestStore_Rotate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, memoryBackend(t))
	pending := s.New()
	pending.Login = &Login{State: "st", Nonce: "n", Verifier: "v"}

	rec := httptest.NewRecorder()
	if err := s.Save(ctx, rec, pending); err != nil {
		t.Fatalf("Save: %v", err)
	}
	oldReq := carry(rec)

	pending.Login = nil
	pending.Subject = "auth0|bob"
	rec2 := httptest.NewRecorder()
	rotated, err := s.Rotate(ctx, rec2, pending)
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if rotated.ID == pending.ID {
		t.Fatal("rotation must change the session id")
	}
	if _, err := s.Load(ctx, oldReq); !errors.Is(err, ErrNotFound) {
		t.Fatalf("old cookie must not resolve after rotation, got %v", err)
	}
	got, err := s.Load(ctx, carry(rec2))
	if err != nil || got.Subject != "auth0|bob" {
		t.Fatalf("rotated session = %+v, %v", got, err)
	}
}

func TestStore_Delete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, memoryBackend(t))
	sess := authenticated(s)
	rec := httptest.NewRecorder()
	_ = s.Save(ctx, rec, sess)
	req := carry(rec)

	del := httptest.NewRecorder()
	if err := s.Delete(ctx, del, sess); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	cleared := del.Result().Cookies()
	if len(cleared) != 1 || cleared[0].MaxAge >= 0 {
		t.Fatalf("cookie not cleared: %+v", cleared)
	}
	if _, err := s.Load(ctx, req); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted session still loads: %v", err)
	}
}

func TestStore_LoadPrincipal(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, memoryBackend(t))

	pendingRec := httptest.NewRecorder()
	pending := s.New()
	pending.Login = &Login{State: "st"}
	_ = s.Save(ctx, pendingRec, pending)
	if _, err := s.LoadPrincipal(carry(pendingRec)); !errors.Is(err, auth.ErrNoSession) {
		t.Fatalf("pending session must not authenticate, got %v", err)
	}

	rec := httptest.NewRecorder()
	_ = s.Save(ctx, rec, authenticated(s))
	p, err := s.LoadPrincipal(carry(rec))
	if err != nil {
		t.Fatalf("LoadPrincipal: %v", err)
	}
	if p.Subject != "auth0|alice" || p.Mode != auth.ModeStateful || p.AccessToken != "at-1" || !p.HasScope("read:datasets") {
		t.Fatalf("principal = %+v", p)
	}
}

func TestStore_GuardStateful(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, memoryBackend(t))
	guard := auth.NewGuard(auth.WithSessionLoader(s))
	h := guard.Require(auth.ModeStateful)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, _ := auth.PrincipalFrom(r.Context())
		_, _ = w.Write([]byte(p.Subject))
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no session status = %d", rec.Code)
	}

	saved := httptest.NewRecorder()
	_ = s.Save(ctx, saved, authenticated(s))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, carry(saved))
	if rec.Code != http.StatusOK || rec.Body.String() != "auth0|alice" {
		t.Fatalf("with session: %d %q", rec.Code, rec.Body.String())
	}
}

func TestStore_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	backend, err := redisstore.New(redisstore.Config{Client: client})
	if err != nil {
		t.Fatalf("redis.New: %v", err)
	}

	ctx := context.Background()
	s := newTestStore(t, backend, WithTTL(time.Minute))
	sess := authenticated(s)
	rec := httptest.NewRecorder()
	if err := s.Save(ctx, rec, sess); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !mr.Exists("datasetauth:ns:8:sessions:" + sess.ID) {
		t.Fatalf("session not stored under its namespace; keys: %v", mr.Keys())
	}
	if _, err := s.Load(ctx, carry(rec)); err != nil {
		t.Fatalf("Load: %v", err)
	}

	mr.FastForward(2 * time.Minute)
	if _, err := s.Load(ctx, carry(rec)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected server-side expiry, got %v", err)
	}
}

func TestNewStore_Validation(t *testing.T) {
	signer, _ := GenerateSigner("k")
	if _, err := NewStore(nil, signer); err == nil {
		t.Fatal("expected error without storage")
	}
	if _, err := NewStore(memoryBackend(t), nil); err == nil {
		t.Fatal("expected error without signer")
	}
	if _, err := NewStore(memoryBackend(t), signer, WithTTL(0)); err == nil {
		t.Fatal("expected error for zero ttl")
	}
}
