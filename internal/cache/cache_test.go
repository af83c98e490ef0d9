package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/relaymux/relaymux/internal/adapters"
	"github.com/relaymux/relaymux/internal/cache"
)

func TestMemoryCache_SetGet(t *testing.T) {
	c := cache.NewMemoryCache(context.Background())
	defer c.Close()
	ctx := context.Background()

	if err := c.Set(ctx, "k1", []byte("v1"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, ok := c.Get(ctx, "k1")
	if !ok || string(got) != "v1" {
		t.Errorf("get = %q, %v", got, ok)
	}

	if _, ok := c.Get(ctx, "missing"); ok {
		t.Error("missing key should miss")
	}
}

func TestMemoryCache_Expiry(t *testing.T) {
	c := cache.NewMemoryCache(context.Background())
	defer c.Close()
	ctx := context.Background()

	c.Set(ctx, "k1", []byte("v1"), 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	if _, ok := c.Get(ctx, "k1"); ok {
		t.Error("expired entry should miss")
	}
	if c.Len() != 0 {
		t.Errorf("expired entry should be evicted on access, Len = %d", c.Len())
	}
}

func TestMemoryCache_Delete(t *testing.T) {
	c := cache.NewMemoryCache(context.Background())
	defer c.Close()
	ctx := context.Background()

	c.Set(ctx, "k1", []byte("v1"), time.Minute)
	if err := c.Delete(ctx, "k1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := c.Get(ctx, "k1"); ok {
		t.Error("deleted key should miss")
	}
	if err := c.Delete(ctx, "never-existed"); err != nil {
		t.Errorf("deleting a missing key should be a no-op, got %v", err)
	}
}

func TestRedisCache_RoundTrip(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	c := cache.NewRedisCacheFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	defer c.Close()
	ctx := context.Background()

	if err := c.Set(ctx, "k1", []byte("v1"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, ok := c.Get(ctx, "k1")
	if !ok || string(got) != "v1" {
		t.Errorf("get = %q, %v", got, ok)
	}

	// TTL expiry through the fake clock.
	mr.FastForward(2 * time.Minute)
	if _, ok := c.Get(ctx, "k1"); ok {
		t.Error("entry should expire with its TTL")
	}
}

func TestRedisCache_Delete(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	c := cache.NewRedisCacheFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	defer c.Close()
	ctx := context.Background()

	c.Set(ctx, "k1", []byte("v1"), time.Minute)
	if err := c.Delete(ctx, "k1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := c.Get(ctx, "k1"); ok {
		t.Error("deleted key should miss")
	}
}

func TestCatalog_RoundTrip(t *testing.T) {
	mem := cache.NewMemoryCache(context.Background())
	defer mem.Close()
	cat := cache.NewCatalog(mem)
	ctx := context.Background()

	if _, ok := cat.Get(ctx, "prov1"); ok {
		t.Error("empty catalog should miss")
	}

	models := []adapters.ModelInfo{
		{ID: "mock-small", OwnedBy: "mock"},
		{ID: "mock-embed", OwnedBy: "mock"},
	}
	cat.Put(ctx, "prov1", models)

	got, ok := cat.Get(ctx, "prov1")
	if !ok {
		t.Fatal("stored catalog should hit")
	}
	if len(got) != 2 || got[0].ID != "mock-small" {
		t.Errorf("catalog = %+v", got)
	}

	// Catalogs are keyed per provider.
	if _, ok := cat.Get(ctx, "prov2"); ok {
		t.Error("other provider should miss")
	}

	cat.Invalidate(ctx, "prov1")
	if _, ok := cat.Get(ctx, "prov1"); ok {
		t.Error("invalidated catalog should miss")
	}
}

func TestCatalog_CorruptEntryDropped(t *testing.T) {
	mem := cache.NewMemoryCache(context.Background())
	defer mem.Close()
	cat := cache.NewCatalog(mem)
	ctx := context.Background()

	mem.Set(ctx, "catalog:prov1", []byte("not json"), time.Minute)

	if _, ok := cat.Get(ctx, "prov1"); ok {
		t.Error("corrupt entry should be treated as a miss")
	}
	if _, ok := mem.Get(ctx, "catalog:prov1"); ok {
		t.Error("corrupt entry should be deleted")
	}
}
