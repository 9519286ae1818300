package treecache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	return store, s
}

func TestNewRedisStore(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()

	store, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("NewRedisStore failed: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Ping(ctx); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestSetAndGetTree(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	payload := []byte(`[{"id":"pg_home","children":[]}]`)

	if err := store.SetTree(ctx, "page", payload); err != nil {
		t.Fatalf("SetTree failed: %v", err)
	}

	got, ok, err := store.GetTree(ctx, "page")
	if err != nil {
		t.Fatalf("GetTree failed: %v", err)
	}
	if !ok {
		t.Fatal("expected cache hit, got miss")
	}
	if string(got) != string(payload) {
		t.Errorf("expected %s, got %s", payload, got)
	}
}

func TestGetTreeMiss(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	_, ok, err := store.GetTree(context.Background(), "folder")
	if err != nil {
		t.Fatalf("GetTree failed: %v", err)
	}
	if ok {
		t.Error("expected cache miss for empty cache")
	}
}

func TestTreeExpiry(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	if err := store.SetTree(ctx, "page", []byte("[]")); err != nil {
		t.Fatalf("SetTree failed: %v", err)
	}

	// Fast-forward time in miniredis past the cache TTL
	s.FastForward(defaultTTL + time.Second)

	_, ok, err := store.GetTree(ctx, "page")
	if err != nil {
		t.Fatalf("GetTree failed: %v", err)
	}
	if ok {
		t.Error("expected expired entry to miss")
	}
}

func TestSetAndGetPath(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	if err := store.SetPath(ctx, "folder", "fld_a", "/fld_root/fld_a"); err != nil {
		t.Fatalf("SetPath failed: %v", err)
	}

	path, ok, err := store.GetPath(ctx, "folder", "fld_a")
	if err != nil {
		t.Fatalf("GetPath failed: %v", err)
	}
	if !ok {
		t.Fatal("expected cache hit, got miss")
	}
	if path != "/fld_root/fld_a" {
		t.Errorf("expected /fld_root/fld_a, got %s", path)
	}
}

func TestInvalidateNodes(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	if err := store.SetTree(ctx, "page", []byte("[]")); err != nil {
		t.Fatalf("SetTree failed: %v", err)
	}
	if err := store.SetPath(ctx, "page", "pg_a", "/pg_a"); err != nil {
		t.Fatalf("SetPath pg_a failed: %v", err)
	}
	if err := store.SetPath(ctx, "page", "pg_b", "/pg_b"); err != nil {
		t.Fatalf("SetPath pg_b failed: %v", err)
	}

	if err := store.InvalidateNodes(ctx, "page", []string{"pg_a"}); err != nil {
		t.Fatalf("InvalidateNodes failed: %v", err)
	}

	// Tree and the invalidated node's path should be gone
	if _, ok, _ := store.GetTree(ctx, "page"); ok {
		t.Error("expected tree to be invalidated")
	}
	if _, ok, _ := store.GetPath(ctx, "page", "pg_a"); ok {
		t.Error("expected pg_a path to be invalidated")
	}

	// Untouched node's path survives
	if _, ok, _ := store.GetPath(ctx, "page", "pg_b"); !ok {
		t.Error("expected pg_b path to survive invalidation")
	}
}

func TestKindIsolation(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	if err := store.SetTree(ctx, "page", []byte(`["pages"]`)); err != nil {
		t.Fatalf("SetTree page failed: %v", err)
	}
	if err := store.SetTree(ctx, "folder", []byte(`["folders"]`)); err != nil {
		t.Fatalf("SetTree folder failed: %v", err)
	}

	if err := store.InvalidateTree(ctx, "page"); err != nil {
		t.Fatalf("InvalidateTree failed: %v", err)
	}

	if _, ok, _ := store.GetTree(ctx, "page"); ok {
		t.Error("expected page tree to be invalidated")
	}
	if _, ok, _ := store.GetTree(ctx, "folder"); !ok {
		t.Error("expected folder tree to survive page invalidation")
	}
}
