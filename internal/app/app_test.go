package app

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ggoodman/datasetauth/datasets/datasetstest"
	"github.com/ggoodman/datasetauth/internal/config"
	"github.com/ggoodman/datasetauth/storage"
	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

const (
	testIssuer   = "https://tenant.example.auth0.com/"
	testAudience = "https://api.example.com"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewLogger(config.Log{Level: "debug", Format: "json"}, &buf)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	log.Debug("app.test", slog.String("k", "v"))
	if !strings.Contains(buf.String(), `"msg":"app.test"`) {
		t.Fatalf("json output = %q", buf.String())
	}

	buf.Reset()
	log, err = NewLogger(config.Log{Level: "warn", Format: "text"}, &buf)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	log.Info("dropped")
	log.Warn("kept")
	if out := buf.String(); strings.Contains(out, "dropped") || !strings.Contains(out, "msg=kept") {
		t.Fatalf("text output = %q", out)
	}

	if _, err := NewLogger(config.Log{Level: "info", Format: "xml"}, &buf); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestNewStorage_Memory(t *testing.T) {
	s, err := NewStorage(config.Storage{MemoryItems: 8})
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	defer s.Close()
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestNewStorage_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := NewStorage(config.Storage{RedisAddr: mr.Addr(), KeyPrefix: "test:"})
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if err := s.Set(ctx, "k", []byte("v"), storage.WithNamespace("ns")); err != nil {
		t.Fatalf("set: %v", err)
	}
	if !mr.Exists("test:ns:2:ns:k") {
		t.Fatalf("key not written with prefix: %v", mr.Keys())
	}

	mr.Close()
	if err := s.Ping(ctx); err == nil {
		t.Fatal("ping must fail once redis is gone")
	}
}

func TestDisabledComponents(t *testing.T) {
	cfg := &config.Config{}
	if _, err := NewM2M(cfg, nil, nil, slog.New(slog.DiscardHandler)); !errors.Is(err, ErrDisabled) {
		t.Fatalf("NewM2M err = %v", err)
	}
	if _, err := NewDatasets(cfg, nil, nil, slog.New(slog.DiscardHandler)); !errors.Is(err, ErrDisabled) {
		t.Fatalf("NewDatasets err = %v", err)
	}
}

func TestLoadDecryptionKey(t *testing.T) {
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	dir := t.TempDir()
	good := filepath.Join(dir, "key.pem")
	block := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(pk)})
	if err := os.WriteFile(good, block, 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	key, err := LoadDecryptionKey(good)
	if err != nil {
		t.Fatalf("LoadDecryptionKey: %v", err)
	}
	if got, ok := key.(*rsa.PrivateKey); !ok || !got.Equal(pk) {
		t.Fatalf("loaded key = %T", key)
	}

	bad := filepath.Join(dir, "bad.pem")
	if err := os.WriteFile(bad, []byte("not a key"), 0o600); err != nil {
		t.Fatalf("write bad key: %v", err)
	}
	if _, err := LoadDecryptionKey(bad); err == nil {
		t.Fatal("expected error for garbage key")
	}
	if _, err := LoadDecryptionKey(filepath.Join(dir, "absent.pem")); err == nil {
		t.Fatal("expected error for missing key")
	}
}

type keyPair struct {
	pk  *rsa.PrivateKey
	kid string
}

func newKeyPair(t *testing.T) (keyPair, string) {
	t.Helper()
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	kp := keyPair{pk: pk, kid: "app-test"}
	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{Key: &pk.PublicKey, KeyID: kp.kid, Algorithm: "RS256", Use: "sig"}}}
	b, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}
	path := filepath.Join(t.TempDir(), "jwks.json")
	if err := os.WriteFile(path, b, 0o600); err != nil {
		t.Fatalf("write jwks: %v", err)
	}
	return kp, path
}

func (k keyPair) token(t *testing.T, sub string) string {
	t.Helper()
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss": testIssuer,
		"sub": sub,
		"aud": testAudience,
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
	})
	tok.Header["kid"] = k.kid
	s, err := tok.SignedString(k.pk)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func baseConfig(jwksFile, datasetsURL string) *config.Config {
	return &config.Config{
		HTTP: config.HTTP{ReadHeaderTimeout: time.Second, ShutdownTimeout: time.Second},
		Auth: config.Auth{
			Issuer:      testIssuer,
			Audience:    testAudience,
			AllowedAlgs: "RS256",
			JWKSFile:    jwksFile,
			Realm:       "datasetauth",
		},
		Datasets: config.Datasets{APIURL: datasetsURL, CacheTTL: time.Minute, BreakerThreshold: 5, BreakerCooldown: time.Second},
		Users:    config.Users{BaseURL: testIssuer, CacheTTL: time.Minute},
		Storage:  config.Storage{MemoryItems: 128},
		Session:  config.Session{CookieName: "sid", TTL: time.Hour, SecureCookie: true},
		Log:      config.Log{Level: "info", Format: "json"},
	}
}

func serve(t *testing.T, s *Server) (string, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()
	return "http://" + ln.Addr().String(), func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Serve returned %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Errorf("Serve did not stop")
		}
	}
}

func TestServer_DatasetGate(t *testing.T) {
	kp, jwksFile := newKeyPair(t)
	tok := kp.token(t, "auth0|alice")

	lister := datasetstest.NewLister()
	lister.Grant(tok, 6)
	api := httptest.NewServer(datasetstest.NewAPI(lister))
	defer api.Close()

	s, err := NewServer(context.Background(), baseConfig(jwksFile, api.URL), slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer s.Close()
	base, stop := serve(t, s)
	defer stop()

	for path, want := range map[string]int{
		"/api/datasets/6/access": http.StatusNoContent,
		"/api/datasets/7/access": http.StatusForbidden,
	} {
		req, _ := http.NewRequest(http.MethodGet, base+path, nil)
		req.Header.Set("Authorization", "Bearer "+tok)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != want {
			t.Fatalf("GET %s = %d, want %d", path, resp.StatusCode, want)
		}
	}

	resp, err := http.Get(base + "/api/datasets/6/access")
	if err != nil {
		t.Fatalf("anonymous GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous = %d", resp.StatusCode)
	}
	if lister.Calls() != 1 {
		t.Fatalf("lister calls = %d, want 1", lister.Calls())
	}
}

func TestServer_RefreshesUsersInBackground(t *testing.T) {
	_, jwksFile := newKeyPair(t)

	auths := make(chan string, 4)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"m2m-1","token_type":"Bearer","expires_in":3600}`))
	})
	mux.HandleFunc("GET /api/v2/users", func(w http.ResponseWriter, r *http.Request) {
		select {
		case auths <- r.Header.Get("Authorization"):
		default:
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"user_id":"auth0|1","email":"a@example.com"}]`))
	})
	upstream := httptest.NewServer(mux)
	defer upstream.Close()

	cfg := baseConfig(jwksFile, upstream.URL)
	cfg.M2M = config.M2M{ClientID: "svc", ClientSecret: "secret", TokenURL: upstream.URL + "/oauth/token", Audience: testIssuer + "api/v2/"}
	cfg.Users.BaseURL = upstream.URL + "/"

	s, err := NewServer(context.Background(), cfg, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer s.Close()
	_, stop := serve(t, s)
	defer stop()

	select {
	case got := <-auths:
		if got != "Bearer m2m-1" {
			t.Fatalf("directory authorization = %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("users were not refreshed")
	}
}
