package memory

import (
	"context"
	"fmt"
	"testing"

	"github.com/ggoodman/datasetauth/storage/storagetest"
)

func TestMemoryStorage(t *testing.T) {
	s, err := New(100)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer s.Close()

	storagetest.Run(t, s)
}

func TestNew_InvalidSize(t *testing.T) {
	if _, err := New(0); err == nil {
		t.Fatal("New(0) should fail")
	}
}

func TestLRUEviction(t *testing.T) {
	s, err := New(3)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := s.Set(ctx, fmt.Sprintf("k%d", i), []byte("v")); err != nil {
			t.Fatalf("Set() failed: %v", err)
		}
	}

	if s.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", s.Len())
	}
	if item, _ := s.Get(ctx, "k0"); item != nil {
		t.Fatal("Expected oldest key to be evicted")
	}
	if item, _ := s.Get(ctx, "k4"); item == nil {
		t.Fatal("Expected newest key to be present")
	}
}

func TestGetReturnsCopy(t *testing.T) {
	s, err := New(10)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	if err := s.Set(ctx, "k", []byte("original")); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	item, _ := s.Get(ctx, "k")
	item.Data[0] = 'X'

	again, _ := s.Get(ctx, "k")
	if string(again.Data) != "original" {
		t.Fatalf("stored data was mutated through a returned item: %q", again.Data)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	s, err := New(10)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("first Close() failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close() failed: %v", err)
	}
}
