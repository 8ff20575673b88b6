// Package storagetest holds a behavioural suite that every storage.Storage
// implementation is expected to pass.
package storagetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ggoodman/datasetauth/storage"
)

// Run exercises s against the storage.Storage contract. The caller owns s and
// is responsible for closing it.
func Run(t *testing.T, s storage.Storage) {
	t.Helper()

	t.Run("SetAndGet", func(t *testing.T) { testSetAndGet(t, s) })
	t.Run("GetNonExistent", func(t *testing.T) { testGetNonExistent(t, s) })
	t.Run("TTL", func(t *testing.T) { testTTL(t, s) })
	t.Run("InvalidTTL", func(t *testing.T) { testInvalidTTL(t, s) })
	t.Run("Namespaces", func(t *testing.T) { testNamespaces(t, s) })
	t.Run("DeleteKey", func(t *testing.T) { testDeleteKey(t, s) })
	t.Run("DeleteNamespace", func(t *testing.T) { testDeleteNamespace(t, s) })
}

func testSetAndGet(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	if err := s.Set(ctx, "set-get", []byte("test data")); err != nil {
		t.Fatalf("Failed to set data: %v", err)
	}

	item, err := s.Get(ctx, "set-get")
	if err != nil {
		t.Fatalf("Failed to get data: %v", err)
	}
	if item == nil {
		t.Fatal("Expected item to exist, got nil")
	}
	if string(item.Data) != "test data" {
		t.Fatalf("Expected %q, got %q", "test data", string(item.Data))
	}
	if item.ExpiresAt != nil {
		t.Fatalf("Expected no expiry, got %v", item.ExpiresAt)
	}
}

func testGetNonExistent(t *testing.T, s storage.Storage) {
	item, err := s.Get(context.Background(), "does-not-exist")
	if err != nil {
		t.Fatalf("Expected no error for missing key, got %v", err)
	}
	if item != nil {
		t.Fatalf("Expected nil item, got %+v", item)
	}
}

func testTTL(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	if err := s.Set(ctx, "ttl", []byte("short lived"), storage.WithTTL(50*time.Millisecond)); err != nil {
		t.Fatalf("Failed to set data with TTL: %v", err)
	}

	item, err := s.Get(ctx, "ttl")
	if err != nil || item == nil {
		t.Fatalf("Expected item before expiry, got %v, %v", item, err)
	}
	if item.ExpiresAt == nil {
		t.Fatal("Expected ExpiresAt to be set")
	}

	time.Sleep(120 * time.Millisecond)

	item, err = s.Get(ctx, "ttl")
	if err != nil {
		t.Fatalf("Unexpected error after expiry: %v", err)
	}
	if item != nil {
		t.Fatalf("Expected item to be expired, got %q", string(item.Data))
	}
}

func testInvalidTTL(t *testing.T, s storage.Storage) {
	err := s.Set(context.Background(), "bad-ttl", []byte("x"), storage.WithTTL(0))
	if !errors.Is(err, storage.ErrInvalidOptions) {
		t.Fatalf("Expected ErrInvalidOptions, got %v", err)
	}
}

func testNamespaces(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	writes := map[string]string{
		"":      "global",
		"m2m":   "m2m",
		"users": "users",
		// Would collide with "m2m" + ":x" under naive concatenation.
		"m2m:x": "m2m-x",
	}
	for ns, v := range writes {
		if err := s.Set(ctx, "shared", []byte(v), storage.WithNamespace(ns)); err != nil {
			t.Fatalf("Set(ns=%q): %v", ns, err)
		}
	}
	for ns, want := range writes {
		item, err := s.Get(ctx, "shared", storage.WithNamespace(ns))
		if err != nil || item == nil {
			t.Fatalf("Get(ns=%q) = %v, %v", ns, item, err)
		}
		if string(item.Data) != want {
			t.Fatalf("Get(ns=%q) = %q, want %q", ns, string(item.Data), want)
		}
	}
}

func testDeleteKey(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	ns := storage.WithNamespace("delete-key")
	if err := s.Set(ctx, "a", []byte("1"), ns); err != nil {
		t.Fatalf("Set a: %v", err)
	}
	if err := s.Set(ctx, "b", []byte("2"), ns); err != nil {
		t.Fatalf("Set b: %v", err)
	}

	if err := s.Delete(ctx, ns, storage.WithKey("a")); err != nil {
		t.Fatalf("Delete a: %v", err)
	}

	if item, _ := s.Get(ctx, "a", ns); item != nil {
		t.Fatal("Expected a to be deleted")
	}
	if item, _ := s.Get(ctx, "b", ns); item == nil {
		t.Fatal("Expected b to survive")
	}
}

func testDeleteNamespace(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	doomed := storage.WithNamespace("doomed")
	kept := storage.WithNamespace("kept")
	for _, k := range []string{"a", "b", "c"} {
		if err := s.Set(ctx, k, []byte(k), doomed); err != nil {
			t.Fatalf("Set doomed/%s: %v", k, err)
		}
	}
	if err := s.Set(ctx, "a", []byte("a"), kept); err != nil {
		t.Fatalf("Set kept/a: %v", err)
	}

	if err := s.Delete(ctx, doomed); err != nil {
		t.Fatalf("Delete namespace: %v", err)
	}

	for _, k := range []string{"a", "b", "c"} {
		if item, _ := s.Get(ctx, k, doomed); item != nil {
			t.Fatalf("Expected doomed/%s to be deleted", k)
		}
	}
	if item, _ := s.Get(ctx, "a", kept); item == nil {
		t.Fatal("Expected kept/a to survive namespace delete")
	}
}
