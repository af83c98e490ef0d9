package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/relaymux/relaymux/internal/adapters"
	"github.com/relaymux/relaymux/internal/registry"
)

// Failover limits.
const (
	maxAttempts    = 3
	backoffBase    = 100 * time.Millisecond
	backoffCeiling = 2 * time.Second
)

// attemptFunc runs one upstream attempt against a constructed adapter.
// Returning nil commits the attempt; a non-nil error may trigger failover.
type attemptFunc func(ctx context.Context, cand registry.Candidate, ad adapters.Adapter) error

// withFailover walks the ordered candidates, skipping providers whose
// breaker rejects the request, retrying retryable failures on the next
// candidate with jittered backoff. The request id stays stable across
// attempts. Returns the serving candidate or the last error.
func (g *Gateway) withFailover(
	ctx context.Context,
	route, reqID string,
	cands []registry.Candidate,
	fn attemptFunc,
) (registry.Candidate, error) {

	var lastErr error
	prevProvider := ""
	attempts := 0

	for _, cand := range cands {
		if attempts >= maxAttempts {
			break
		}
		name := cand.Provider.ID

		if !g.cb.Allow(name) {
			g.log.WarnContext(ctx, "circuit_breaker_reject",
				slog.String("request_id", reqID),
				slog.String("provider", name),
				slog.String("state", g.cb.StateLabel(name)),
			)
			if g.metrics != nil {
				g.metrics.RecordBreakerRejection(name)
				g.metrics.SetCircuitBreakerState(name, g.cb.StateLabel(name))
			}
			continue
		}

		if !g.pool.tryAcquire(name) {
			// Provider is saturated; try the next candidate without
			// burning an attempt.
			g.log.DebugContext(ctx, "provider_saturated",
				slog.String("request_id", reqID),
				slog.String("provider", name),
			)
			continue
		}

		if attempts > 0 {
			select {
			case <-time.After(backoffDelay(attempts)):
			case <-ctx.Done():
				g.pool.release(name)
				return registry.Candidate{}, adapters.WrapErr(name, adapters.KindCancelled, ctx.Err())
			}
			if g.metrics != nil && prevProvider != "" && prevProvider != name {
				g.metrics.RecordFailover(prevProvider, name, adapters.KindOf(lastErr).String())
			}
		}

		ad, err := g.factory.Adapter(ctx, cand.Provider)
		if err != nil {
			g.pool.release(name)
			g.cb.RecordFailure(name, adapters.KindConfig)
			g.publishBreakerState(name)
			lastErr = err
			prevProvider = name
			attempts++
			continue
		}

		g.inflight.inc(name)
		start := time.Now()
		err = fn(ctx, cand, ad)
		dur := time.Since(start)
		g.inflight.dec(name)
		g.pool.release(name)
		attempts++

		if err == nil {
			g.cb.RecordSuccess(name)
			g.publishBreakerState(name)
			if g.metrics != nil {
				g.metrics.ObserveUpstreamAttempt(name, route, "success", attempts, dur)
			}
			return cand, nil
		}

		kind := adapters.KindOf(err)
		if adapters.TripsBreaker(err) {
			g.cb.RecordFailure(name, kind)
			g.publishBreakerState(name)
		}
		if g.metrics != nil {
			g.metrics.ObserveUpstreamAttempt(name, route, kind.String(), attempts, dur)
			g.metrics.RecordProviderError(name, kind.String())
		}
		g.log.WarnContext(ctx, "provider_attempt_failed",
			slog.String("request_id", reqID),
			slog.String("provider", name),
			slog.String("kind", kind.String()),
			slog.Int("attempt", attempts),
			slog.Int64("latency_ms", dur.Milliseconds()),
			slog.String("error", err.Error()),
		)

		lastErr = err
		prevProvider = name

		// Bad requests, client cancellations and deterministic upstream
		// rejections will not improve on another provider; stop immediately.
		if kind == adapters.KindBadRequest || kind == adapters.KindCancelled || kind == adapters.KindPermanent {
			break
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no providers available")
	}
	return registry.Candidate{}, fmt.Errorf("failover: all providers failed after %d attempt(s): %w", attempts, lastErr)
}

func (g *Gateway) publishBreakerState(provider string) {
	if g.metrics != nil {
		g.metrics.SetCircuitBreakerState(provider, g.cb.StateLabel(provider))
	}
}

// backoffDelay returns a full-jitter exponential delay for the n-th retry.
func backoffDelay(attempt int) time.Duration {
	d := backoffBase << (attempt - 1)
	if d > backoffCeiling {
		d = backoffCeiling
	}
	return time.Duration(rand.Int63n(int64(d) + 1))
}
