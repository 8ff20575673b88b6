package datasets_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ggoodman/datasetauth/auth"
	"github.com/ggoodman/datasetauth/auth/authtest"
	"github.com/ggoodman/datasetauth/cache"
	"github.com/ggoodman/datasetauth/datasets"
	"github.com/ggoodman/datasetauth/datasets/datasetstest"
	"github.com/ggoodman/datasetauth/storage/memory"
	"github.com/go-chi/chi/v5"
)

func newRepository(t *testing.T, l datasets.Lister) *datasets.Repository {
	t.Helper()
	store, err := memory.New(64)
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	c, err := cache.New[[]datasets.ID](store, cache.WithNamespace("datasets"))
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	repo, err := datasets.NewRepository(l, c)
	if err != nil {
		t.Fatalf("NewRepository: %v", err)
	}
	return repo
}

func asUser(subject, token string) context.Context {
	return auth.WithPrincipal(context.Background(), authtest.Principal(subject, token))
}

func TestAuthorizeID_Decisions(t *testing.T) {
	lister := datasetstest.NewLister()
	lister.Grant("alice-token", 1, 6, 7)
	az := datasets.NewAuthorizer(newRepository(t, lister))
	ctx := asUser("alice", "alice-token")

	if err := az.AuthorizeID(ctx, "6"); err != nil {
		t.Fatalf("dataset 6 should be allowed: %v", err)
	}
	if err := az.AuthorizeID(ctx, "2"); !errors.Is(err, datasets.ErrForbidden) {
		t.Fatalf("dataset 2 should be forbidden, got %v", err)
	}
	if lister.Calls() != 1 {
		t.Fatalf("lister calls = %d, want 1 (cached per user)", lister.Calls())
	}
}

func TestAuthorizeID_UpstreamFailureIsUnauthorized(t *testing.T) {
	lister := datasetstest.NewLister()
	lister.Grant("alice-token", 1, 6, 7)
	api := datasetstest.NewAPI(lister)
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	hl, err := datasets.NewHTTPLister(srv.URL, datasets.WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("NewHTTPLister: %v", err)
	}
	az := datasets.NewAuthorizer(newRepository(t, hl))

	api.FailWith(http.StatusInternalServerError)
	err = az.AuthorizeID(asUser("alice", "alice-token"), "6")
	if !errors.Is(err, datasets.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if errors.Is(err, datasets.ErrForbidden) {
		t.Fatal("upstream failure must not look like a confirmed denial")
	}
	if !errors.Is(err, datasets.ErrUpstream) {
		t.Fatalf("expected upstream cause to be preserved, got %v", err)
	}

	// The failure is not cached.
	api.FailWith(0)
	if err := az.AuthorizeID(asUser("alice", "alice-token"), "6"); err != nil {
		t.Fatalf("after recovery dataset 6 should be allowed: %v", err)
	}
}

func TestAuthorizeID_RevokedCredentialDoesNotAffectOthers(t *testing.T) {
	lister := datasetstest.NewLister()
	lister.Grant("alice-token", 6)
	api := datasetstest.NewAPI(lister)
	api.Revoke("mallory-token")
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	hl, err := datasets.NewHTTPLister(srv.URL, datasets.WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("NewHTTPLister: %v", err)
	}
	az := datasets.NewAuthorizer(newRepository(t, hl))

	for i := 0; i < 10; i++ {
		err := az.AuthorizeID(asUser("mallory", "mallory-token"), "6")
		if !errors.Is(err, datasets.ErrUnauthorized) {
			t.Fatalf("call %d: expected ErrUnauthorized, got %v", i, err)
		}
	}
	if err := az.AuthorizeID(asUser("alice", "alice-token"), "6"); err != nil {
		t.Fatalf("alice/6 should be allowed: %v", err)
	}
}

func TestAuthorizeID_CachesPerUser(t *testing.T) {
	lister := datasetstest.NewLister()
	lister.Grant("alice-token", 1)
	lister.Grant("bob-token", 2)
	az := datasets.NewAuthorizer(newRepository(t, lister))

	if err := az.AuthorizeID(asUser("alice", "alice-token"), "1"); err != nil {
		t.Fatalf("alice/1: %v", err)
	}
	if err := az.AuthorizeID(asUser("bob", "bob-token"), "1"); !errors.Is(err, datasets.ErrForbidden) {
		t.Fatalf("bob must not see alice's cached set, got %v", err)
	}
	if err := az.AuthorizeID(asUser("bob", "bob-token"), "2"); err != nil {
		t.Fatalf("bob/2: %v", err)
	}
	if lister.Calls() != 2 {
		t.Fatalf("lister calls = %d, want 2", lister.Calls())
	}
}

func TestAuthorizeID_NoUserBypassesCache(t *testing.T) {
	lister := datasetstest.NewLister()
	lister.Grant("anon-token", 3)
	az := datasets.NewAuthorizer(newRepository(t, lister))
	ctx := asUser("", "anon-token")

	for i := 0; i < 3; i++ {
		if err := az.AuthorizeID(ctx, "3"); err != nil {
			t.Fatalf("AuthorizeID: %v", err)
		}
	}
	if lister.Calls() != 3 {
		t.Fatalf("lister calls = %d, want 3 (no caching without a user id)", lister.Calls())
	}
}

func TestRepository_Invalidate(t *testing.T) {
	lister := datasetstest.NewLister()
	lister.Grant("alice-token", 1)
	repo := newRepository(t, lister)
	ctx := context.Background()

	if _, err := repo.AuthorizedIDs(ctx, "alice", "alice-token", false); err != nil {
		t.Fatalf("AuthorizedIDs: %v", err)
	}
	lister.Grant("alice-token", 9)
	set, _ := repo.AuthorizedIDs(ctx, "alice", "alice-token", false)
	if _, ok := set["9"]; ok {
		t.Fatal("expected cached set before invalidation")
	}
	if err := repo.Invalidate(ctx, "alice"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	set, _ = repo.AuthorizedIDs(ctx, "alice", "alice-token", false)
	if _, ok := set["9"]; !ok {
		t.Fatal("expected fresh set after invalidation")
	}
}

func TestMiddleware(t *testing.T) {
	lister := datasetstest.NewLister()
	lister.Grant("alice-token", 1, 6, 7)
	tokens := authtest.NewTokens()
	tokens.Add("alice-token", "alice")

	az := datasets.NewAuthorizer(newRepository(t, lister))
	guard := auth.NewGuard(auth.WithAuthenticator(tokens))

	r := chi.NewRouter()
	r.Use(guard.Require(auth.ModeStateless))
	ok := func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }
	r.Group(func(r chi.Router) {
		r.Use(az.Middleware)
		r.Get("/datasets/{dataset_id}", ok)
		r.Get("/datasets", ok)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	cases := []struct {
		path       string
		wantStatus int
		wantMsg    string
	}{
		{"/datasets/6", http.StatusOK, ""},
		{"/datasets/2", http.StatusForbidden, "forbidden"},
		{"/datasets/6?datasetId=7", http.StatusUnauthorized, "multiple dataset IDs"},
		{"/datasets", http.StatusOK, ""},
	}
	for _, tc := range cases {
		t.Run(tc.path, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, srv.URL+tc.path, nil)
			req.Header.Set("Authorization", "Bearer alice-token")
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("request: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tc.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tc.wantStatus)
			}
			if tc.wantMsg == "" {
				return
			}
			var body struct {
				Error struct {
					Message string `json:"message"`
				} `json:"error"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Error.Message != tc.wantMsg {
				t.Fatalf("message = %q, want %q", body.Error.Message, tc.wantMsg)
			}
		})
	}

	// Pass-through requests never reach the upstream.
	if lister.Calls() != 1 {
		t.Fatalf("lister calls = %d, want 1", lister.Calls())
	}
}
