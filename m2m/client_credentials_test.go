package m2m

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/ggoodman/datasetauth/auth"
	"github.com/ggoodman/datasetauth/cache"
	"github.com/ggoodman/datasetauth/storage/memory"
)

func newTokenServer(t *testing.T, status int, body map[string]any) (*httptest.Server, *url.Values) {
	t.Helper()
	var seen url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		seen = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv, &seen
}

func TestClientCredentials_Token(t *testing.T) {
	srv, seen := newTokenServer(t, http.StatusOK, map[string]any{
		"access_token": "m2m-abc",
		"token_type":   "Bearer",
		"expires_in":   86400,
	})

	cc, err := NewClientCredentials(ClientCredentialsConfig{
		TokenURL:     srv.URL + "/oauth/token",
		ClientID:     "backend",
		ClientSecret: "s3cret",
		Audience:     "https://datasets.example.com",
	}, WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("NewClientCredentials: %v", err)
	}

	tok, err := cc.ClientCredentials(context.Background())
	if err != nil {
		t.Fatalf("ClientCredentials: %v", err)
	}
	if tok.AccessToken != "m2m-abc" || tok.ExpiresIn != 86400*time.Second {
		t.Fatalf("unexpected token %+v", tok)
	}
	if got := seen.Get("grant_type"); got != "client_credentials" {
		t.Fatalf("grant_type = %q", got)
	}
	if got := seen.Get("audience"); got != "https://datasets.example.com" {
		t.Fatalf("audience = %q", got)
	}
	if got := seen.Get("client_id"); got != "backend" {
		t.Fatalf("client_id = %q", got)
	}
}

func TestClientCredentials_ErrorResponse(t *testing.T) {
	srv, _ := newTokenServer(t, http.StatusUnauthorized, map[string]any{
		"error":             "access_denied",
		"error_description": "Unauthorized",
	})
	cc, err := NewClientCredentials(ClientCredentialsConfig{TokenURL: srv.URL, ClientID: "c", ClientSecret: "s"}, WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("NewClientCredentials: %v", err)
	}
	if _, err := cc.ClientCredentials(context.Background()); !errors.Is(err, ErrTokenEndpoint) {
		t.Fatalf("expected ErrTokenEndpoint, got %v", err)
	}
}

func TestNewClientCredentials_Validation(t *testing.T) {
	if _, err := NewClientCredentials(ClientCredentialsConfig{TokenURL: "https://x"}); err == nil {
		t.Fatal("expected error for missing client credentials")
	}
}

func TestTransport(t *testing.T) {
	tokenSrv, _ := newTokenServer(t, http.StatusOK, map[string]any{"access_token": "m2m-xyz", "token_type": "Bearer", "expires_in": 3600})
	var gotAuth string
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(api.Close)

	cc, err := NewClientCredentials(ClientCredentialsConfig{TokenURL: tokenSrv.URL, ClientID: "c", ClientSecret: "s"}, WithHTTPClient(tokenSrv.Client()))
	if err != nil {
		t.Fatalf("NewClientCredentials: %v", err)
	}
	store, _ := memory.New(4)
	defer store.Close()
	c, _ := cache.New[string](store, cache.WithNamespace("m2m"))
	src, err := NewSource(cc, c)
	if err != nil {
		t.Fatalf("NewSource: %v", err)
	}
	client := src.Client(nil)

	req, _ := http.NewRequestWithContext(auth.WithExecution(context.Background(), auth.ExecCLI), http.MethodGet, api.URL, nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("trusted request: %v", err)
	}
	resp.Body.Close()
	if gotAuth != "Bearer m2m-xyz" {
		t.Fatalf("Authorization = %q", gotAuth)
	}

	req, _ = http.NewRequest(http.MethodGet, api.URL, nil)
	if _, err := client.Do(req); !errors.Is(err, ErrNotAllowedInThisContext) {
		t.Fatalf("untrusted request error = %v", err)
	}
}
