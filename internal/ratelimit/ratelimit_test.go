package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/relaymux/relaymux/internal/ratelimit"
)

func newTestRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return client, func() {
		client.Close()
		mr.Close()
	}
}

func TestAllowRequests_Redis(t *testing.T) {
	client, cleanup := newTestRedis(t)
	defer cleanup()

	l := ratelimit.New(client)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if d := l.AllowRequests(ctx, "key1", 3); !d.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	d := l.AllowRequests(ctx, "key1", 3)
	if d.Allowed {
		t.Fatal("fourth request should be denied")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Minute {
		t.Errorf("RetryAfter = %v, want (0, 1m]", d.RetryAfter)
	}
}

func TestAllowRequests_KeysAreIndependent(t *testing.T) {
	client, cleanup := newTestRedis(t)
	defer cleanup()

	l := ratelimit.New(client)
	ctx := context.Background()

	if d := l.AllowRequests(ctx, "key1", 1); !d.Allowed {
		t.Fatal("key1 first request should be allowed")
	}
	if d := l.AllowRequests(ctx, "key1", 1); d.Allowed {
		t.Fatal("key1 second request should be denied")
	}
	if d := l.AllowRequests(ctx, "key2", 1); !d.Allowed {
		t.Error("key2 should have its own budget")
	}
}

func TestAllowRequests_UnlimitedWhenZero(t *testing.T) {
	client, cleanup := newTestRedis(t)
	defer cleanup()

	l := ratelimit.New(client)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		if d := l.AllowRequests(ctx, "key1", 0); !d.Allowed {
			t.Fatal("limit 0 means unlimited")
		}
	}
}

func TestAllowTokens_CostCounts(t *testing.T) {
	client, cleanup := newTestRedis(t)
	defer cleanup()

	l := ratelimit.New(client)
	ctx := context.Background()

	if d := l.AllowTokens(ctx, "key1", 100, 60); !d.Allowed {
		t.Fatal("60 of 100 should be allowed")
	}
	if d := l.AllowTokens(ctx, "key1", 100, 60); d.Allowed {
		t.Fatal("second 60 should overflow the budget")
	}
	if d := l.AllowTokens(ctx, "key1", 100, 40); !d.Allowed {
		t.Error("remaining 40 should still fit")
	}
}

func TestAllowTokens_ZeroCostAllowed(t *testing.T) {
	l := ratelimit.New(nil)
	if d := l.AllowTokens(context.Background(), "key1", 1, 0); !d.Allowed {
		t.Error("zero cost should always be allowed")
	}
}

func TestReconcileTokens_Refund(t *testing.T) {
	client, cleanup := newTestRedis(t)
	defer cleanup()

	l := ratelimit.New(client)
	ctx := context.Background()

	// Pre-charge the whole budget, then refund most of it.
	if d := l.AllowTokens(ctx, "key1", 100, 100); !d.Allowed {
		t.Fatal("precharge should be allowed")
	}
	l.ReconcileTokens(ctx, "key1", 100, 10)

	if d := l.AllowTokens(ctx, "key1", 100, 80); !d.Allowed {
		t.Error("refunded budget should be available again")
	}
}

func TestReconcileTokens_Shortfall(t *testing.T) {
	client, cleanup := newTestRedis(t)
	defer cleanup()

	l := ratelimit.New(client)
	ctx := context.Background()

	if d := l.AllowTokens(ctx, "key1", 100, 10); !d.Allowed {
		t.Fatal("precharge should be allowed")
	}
	// Actual usage exceeded the estimate; the shortfall is consumed even
	// though it overdraws the window.
	l.ReconcileTokens(ctx, "key1", 10, 95)

	if d := l.AllowTokens(ctx, "key1", 100, 20); d.Allowed {
		t.Error("overdrawn budget should deny the next charge")
	}
}

func TestLimiter_MemoryFallback(t *testing.T) {
	// No Redis configured: the local window enforces the same budget.
	l := ratelimit.New(nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if d := l.AllowRequests(ctx, "key1", 3); !d.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	d := l.AllowRequests(ctx, "key1", 3)
	if d.Allowed {
		t.Fatal("fourth request should be denied")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Minute {
		t.Errorf("RetryAfter = %v, want (0, 1m]", d.RetryAfter)
	}
}

func TestLimiter_MemoryReconcile(t *testing.T) {
	l := ratelimit.New(nil)
	ctx := context.Background()

	if d := l.AllowTokens(ctx, "key1", 50, 50); !d.Allowed {
		t.Fatal("precharge should be allowed")
	}
	l.ReconcileTokens(ctx, "key1", 50, 5)

	if d := l.AllowTokens(ctx, "key1", 50, 40); !d.Allowed {
		t.Error("refund should free local window capacity")
	}
}

func TestNoopLimiter(t *testing.T) {
	l := ratelimit.NewNoop()
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		if d := l.AllowRequests(ctx, "key1", 1); !d.Allowed {
			t.Fatal("noop limiter should allow everything")
		}
		if d := l.AllowTokens(ctx, "key1", 1, 1000); !d.Allowed {
			t.Fatal("noop limiter should allow all tokens")
		}
	}
}
