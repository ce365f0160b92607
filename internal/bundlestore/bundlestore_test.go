package bundlestore

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
)

// newTestRedisClient connects to a local Redis instance reserved for tests
// (DB 15), skipping the test entirely when Redis is not reachable.
// Grounded on the teacher's internal/ratelimit/redis_backend_test.go.
func newTestRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available, skipping: %v", err)
	}
	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})
	return client
}

func TestResolveServesFromCacheWithoutTouchingS3(t *testing.T) {
	client := newTestRedisClient(t)
	s := &Store{redis: client, ttl: time.Minute, bucket: "unused"}

	ctx := context.Background()
	want := []byte(`globalThis.onFetch = function(req){ return {status:200,headers:{},body:""} };`)
	if err := client.Set(ctx, cacheKeyPrefix+"app-1", want, time.Minute).Err(); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	// s.s3 is left nil: a cache hit must never dereference it.
	got, err := s.Resolve(ctx, "app-1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("Resolve() = %q, want %q", got, want)
	}
}

func TestInvalidateDropsCachedEntry(t *testing.T) {
	client := newTestRedisClient(t)
	s := &Store{redis: client, ttl: time.Minute, bucket: "unused"}

	ctx := context.Background()
	if err := client.Set(ctx, cacheKeyPrefix+"app-2", []byte("x"), time.Minute).Err(); err != nil {
		t.Fatalf("seed cache: %v", err)
	}
	if err := s.Invalidate(ctx, "app-2"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if _, err := client.Get(ctx, cacheKeyPrefix+"app-2").Result(); err != redis.Nil {
		t.Fatalf("key survived Invalidate: err = %v", err)
	}
}
