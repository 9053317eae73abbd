package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newBucket(t *testing.T, capacity int, refill float64) (*TokenBucket, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewTokenBucket(client, capacity, refill, time.Minute), mr
}

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newBucket(t, 2, 1)

	allowed, _, err := bucket.Allow(ctx, "tenant")
	if err != nil || !allowed {
		t.Fatalf("expected first token allowed got allowed=%v err=%v", allowed, err)
	}
	allowed, _, _ = bucket.Allow(ctx, "tenant")
	if !allowed {
		t.Fatalf("expected second token allowed")
	}
	allowed, _, _ = bucket.Allow(ctx, "tenant")
	if allowed {
		t.Fatalf("expected third token to be rejected")
	}
}

func TestTokenBucketRefillsWithClock(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	bucket, mr := newBucket(t, 1, 1)
	bucket.WithClock(func() time.Time { return now })

	if ok, err := bucket.AllowUser(ctx, "alice"); err != nil || !ok {
		t.Fatalf("expected first request allowed, got %v %v", ok, err)
	}
	if ok, _ := bucket.AllowUser(ctx, "alice"); ok {
		t.Fatalf("expected bucket to be empty")
	}
	if ok, _ := bucket.AllowUser(ctx, "bob"); !ok {
		t.Fatalf("buckets are per user")
	}

	now = now.Add(1500 * time.Millisecond)
	if ok, _ := bucket.AllowUser(ctx, "alice"); !ok {
		t.Fatalf("expected refill after 1.5s")
	}
	if !mr.Exists("rl:alice") {
		t.Fatalf("expected rl:alice key in redis")
	}
}
