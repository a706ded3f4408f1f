package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestLimiter creates a Limiter connected to a local Redis instance and
// removes test keys afterwards. Tests require a running Redis on
// localhost:6379 and are skipped otherwise.
func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	cleanup := func() {
		iter := client.Scan(ctx, 0, "test:rl:*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	}
	cleanup()
	t.Cleanup(func() {
		cleanup()
		client.Close()
	})
	return NewLimiter(client)
}

func TestAllow_WithinAndOverLimit(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "test:rl:msg:", Limit: 3, Window: time.Minute}

	for i := 1; i <= 3; i++ {
		ok, err := l.Allow(ctx, "sender", rule)
		if err != nil {
			t.Fatalf("Allow #%d error: %v", i, err)
		}
		if !ok {
			t.Fatalf("Allow #%d: expected allowed", i)
		}
	}

	ok, err := l.Allow(ctx, "sender", rule)
	if err != nil {
		t.Fatalf("Allow #4 error: %v", err)
	}
	if ok {
		t.Fatal("Allow #4: expected rate limited")
	}

	remaining, err := l.Remaining(ctx, "sender", rule)
	if err != nil {
		t.Fatalf("Remaining error: %v", err)
	}
	if remaining != 0 {
		t.Errorf("expected 0 remaining, got %d", remaining)
	}
	if ra := l.RetryAfter(ctx, "sender", rule); ra <= 0 || ra > time.Minute {
		t.Errorf("expected retry-after in (0, 1m], got %s", ra)
	}
}

func TestAllow_IdentifiersAreIndependent(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "test:rl:ind:", Limit: 1, Window: time.Minute}

	if ok, _ := l.Allow(ctx, "a", rule); !ok {
		t.Fatal("a: expected allowed")
	}
	if ok, _ := l.Allow(ctx, "b", rule); !ok {
		t.Fatal("b: expected allowed")
	}
	if ok, _ := l.Allow(ctx, "a", rule); ok {
		t.Fatal("a: expected limited on second call")
	}
}

func TestRemaining_NoWindow(t *testing.T) {
	l := newTestLimiter(t)
	rule := Rule{Key: "test:rl:none:", Limit: 7, Window: time.Minute}

	remaining, err := l.Remaining(context.Background(), "nobody", rule)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if remaining != 7 {
		t.Errorf("expected 7, got %d", remaining)
	}
}
