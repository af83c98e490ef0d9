// Package ratelimit implements per-key request and token budgets using Redis
// sliding window counters with atomic Lua scripts. When Redis is not
// configured or unavailable the limiter degrades to a local in-memory window
// so a cache outage never turns into an open gate or a dead gateway.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript is an atomic Lua script that implements a sliding window
// rate limiter using a sorted set.
// KEYS[1] = Redis key
// ARGV[1] = current unix timestamp (nanoseconds as string)
// ARGV[2] = window size in nanoseconds
// ARGV[3] = limit (max requests per window)
// ARGV[4] = cost (units consumed by this request)
// Returns: {allowed, oldest_ts} — allowed is 1/0, oldest_ts is the score of
// the oldest entry in the window (for Retry-After computation).
var slidingWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])
		local cost   = tonumber(ARGV[4])

		-- Remove expired entries.
		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		local count = redis.call('ZCARD', key)
		if count + cost > limit then
			local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
			if oldest[2] then
				return {0, oldest[2]}
			end
			return {0, now}
		end

		-- Add cost members with unique suffixes.
		for i = 1, cost do
			local member = tostring(now) .. ':' .. tostring(i) .. ':' .. tostring(math.random(1, 1000000))
			redis.call('ZADD', key, now, member)
		end
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))  -- window is in ns; PEXPIRE wants ms
		return {1, 0}
`)

const window = time.Minute

// Decision is the outcome of one limiter check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration // populated when denied, capped at the window size
}

// Limiter enforces per-key RPM and TPM budgets.
type Limiter struct {
	rdb  *redis.Client // nil means memory-only
	mem  *memoryWindows
	noop bool
}

// New creates a Limiter. rdb may be nil for single-instance deployments.
func New(rdb *redis.Client) *Limiter {
	return &Limiter{rdb: rdb, mem: newMemoryWindows()}
}

// NewNoop returns a limiter that allows everything. Used by the admin
// test-connection path, which bypasses rate limiting.
func NewNoop() *Limiter {
	return &Limiter{noop: true}
}

// AllowRequests checks and consumes one request from the key's RPM budget.
// limit <= 0 means unlimited.
func (l *Limiter) AllowRequests(ctx context.Context, key string, limit int) Decision {
	return l.allow(ctx, "ratelimit:rpm:"+key, limit, 1)
}

// AllowTokens checks and consumes cost tokens from the key's TPM budget.
// limit <= 0 means unlimited.
func (l *Limiter) AllowTokens(ctx context.Context, key string, limit, cost int) Decision {
	if cost <= 0 {
		return Decision{Allowed: true}
	}
	return l.allow(ctx, "ratelimit:tpm:"+key, limit, cost)
}

// ReconcileTokens settles the difference between the pre-charged estimate and
// the actual token usage. Overcharges are refunded; undercharges are consumed
// without blocking (the request already ran).
func (l *Limiter) ReconcileTokens(ctx context.Context, key string, estimated, actual int) {
	if l.noop || actual == estimated {
		return
	}
	k := "ratelimit:tpm:" + key
	if actual > estimated {
		// Consume the shortfall unconditionally.
		l.consume(ctx, k, actual-estimated)
		return
	}
	l.refund(ctx, k, estimated-actual)
}

func (l *Limiter) allow(ctx context.Context, key string, limit, cost int) Decision {
	if l.noop || limit <= 0 {
		return Decision{Allowed: true}
	}

	if l.rdb != nil {
		if d, ok := l.redisAllow(ctx, key, limit, cost); ok {
			return d
		}
		// Redis unavailable — fall through to the local window.
	}
	return l.mem.allow(key, limit, cost, time.Now())
}

func (l *Limiter) redisAllow(ctx context.Context, key string, limit, cost int) (Decision, bool) {
	now := time.Now().UnixNano()

	vals, err := slidingWindowScript.Run(ctx, l.rdb,
		[]string{key},
		now, window.Nanoseconds(), limit, cost,
	).Int64Slice()
	if err != nil || len(vals) != 2 {
		return Decision{}, false
	}

	if vals[0] == 1 {
		return Decision{Allowed: true}, true
	}
	return Decision{Allowed: false, RetryAfter: retryAfter(vals[1], now)}, true
}

func (l *Limiter) consume(ctx context.Context, key string, cost int) {
	if l.rdb != nil {
		now := time.Now().UnixNano()
		// Best effort; a huge limit makes the script a pure add.
		if _, err := slidingWindowScript.Run(ctx, l.rdb,
			[]string{key}, now, window.Nanoseconds(), 1<<30, cost).Result(); err == nil {
			return
		}
	}
	l.mem.consume(key, cost, time.Now())
}

func (l *Limiter) refund(ctx context.Context, key string, cost int) {
	if l.rdb != nil {
		if err := l.rdb.ZPopMin(ctx, key, int64(cost)).Err(); err == nil {
			return
		}
	}
	l.mem.refund(key, cost)
}

// retryAfter derives the wait until the oldest window entry expires, clamped
// to (0, window].
func retryAfter(oldestNano, nowNano int64) time.Duration {
	d := time.Duration(oldestNano + window.Nanoseconds() - nowNano)
	if d <= 0 {
		d = time.Second
	}
	if d > window {
		d = window
	}
	return d
}
