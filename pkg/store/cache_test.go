package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryCache(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()

	if _, err := c.Get(ctx, "missing"); !errors.Is(err, redis.Nil) {
		t.Fatalf("miss must be redis.Nil, got %v", err)
	}
	if err := c.Set(ctx, "k", "v", 50*time.Millisecond); err != nil {
		t.Fatalf("set: %v", err)
	}
	if v, err := c.Get(ctx, "k"); err != nil || v != "v" {
		t.Fatalf("get: %q, %v", v, err)
	}
	time.Sleep(70 * time.Millisecond)
	if _, err := c.Get(ctx, "k"); !errors.Is(err, redis.Nil) {
		t.Fatalf("expired entry must be a miss, got %v", err)
	}
}

func TestMemoryCacheDel(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()
	c.Set(ctx, "k", "v", time.Minute)
	if err := c.Del(ctx, "k"); err != nil {
		t.Fatalf("del: %v", err)
	}
	if _, err := c.Get(ctx, "k"); !errors.Is(err, redis.Nil) {
		t.Fatalf("deleted entry must be a miss, got %v", err)
	}
}

func TestRedisCache(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	c := NewCache(ctx, client)
	if _, ok := c.(*RedisCache); !ok {
		t.Fatalf("reachable redis must select the redis cache, got %T", c)
	}
	if err := c.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if v, err := c.Get(ctx, "k"); err != nil || v != "v" {
		t.Fatalf("get: %q, %v", v, err)
	}
	if _, err := c.Get(ctx, "missing"); !errors.Is(err, redis.Nil) {
		t.Fatalf("miss must be redis.Nil, got %v", err)
	}
}

func TestNewCacheFallsBack(t *testing.T) {
	ctx := context.Background()
	if _, ok := NewCache(ctx, nil).(*MemoryCache); !ok {
		t.Fatal("nil client must fall back to memory")
	}
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	defer client.Close()
	if _, ok := NewCache(ctx, client).(*MemoryCache); !ok {
		t.Fatal("unreachable redis must fall back to memory")
	}
}
