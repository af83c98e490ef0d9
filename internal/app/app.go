// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra    — external connections (Redis, ClickHouse when configured)
//  2. initRegistry — provider store, registry, seed file
//  3. initServices — metrics, limiter, shield, sandbox, usage, cache, auth
//  4. initGateway  — dispatcher + HTTP surface
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/relaymux/relaymux/internal/auth"
	rmxcache "github.com/relaymux/relaymux/internal/cache"
	"github.com/relaymux/relaymux/internal/config"
	"github.com/relaymux/relaymux/internal/metrics"
	"github.com/relaymux/relaymux/internal/proxy"
	"github.com/relaymux/relaymux/internal/ratelimit"
	"github.com/relaymux/relaymux/internal/registry"
	"github.com/relaymux/relaymux/internal/sandbox"
	"github.com/relaymux/relaymux/internal/secrets"
	"github.com/relaymux/relaymux/internal/store"
	"github.com/relaymux/relaymux/internal/tokens"
	"github.com/relaymux/relaymux/internal/usage"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	rdb    *redis.Client
	chSink *usage.ClickHouseSink

	st  *store.MemoryStore
	reg *registry.Registry

	prom     *metrics.Registry
	limiter  *ratelimit.Limiter
	shield   *ratelimit.Shield
	est      *tokens.Estimator
	sec      secrets.Backend
	exec     *sandbox.Executor
	memCache *rmxcache.MemoryCache
	catalog  *rmxcache.Catalog
	authn    *auth.Authenticator
	rec      *usage.Recorder

	gw *proxy.Gateway
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"registry", a.initRegistry},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and background loops, blocking until ctx is
// cancelled or the server fails.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.Bool("redis", a.rdb != nil),
		slog.Bool("clickhouse", a.chSink != nil),
		slog.Int("providers", len(a.reg.Snapshot().Providers)),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.Start(addr)
	})

	g.Go(func() error {
		a.reg.WatchStore(gctx, a.cfg.RegistryReload)
		return nil
	})

	if a.shield != nil {
		g.Go(func() error {
			ticker := time.NewTicker(10 * time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					if n := a.shield.Sweep(); n > 0 {
						a.log.Debug("shield_sweep", slog.Int("dropped", n))
					}
				}
			}
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		if err := a.gw.Shutdown(); err != nil {
			a.log.Error("shutdown error", slog.String("error", err.Error()))
		}
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times.
func (a *App) Close() {
	if a.rec != nil {
		if err := a.rec.Close(); err != nil {
			a.log.Error("recorder close error", slog.String("error", err.Error()))
		}
		a.rec = nil
	}
	if a.chSink != nil {
		if err := a.chSink.Close(); err != nil {
			a.log.Error("clickhouse close error", slog.String("error", err.Error()))
		}
		a.chSink = nil
	}
	if a.memCache != nil {
		a.memCache.Close()
		a.memCache = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// Gateway exposes the dispatcher for the programmatic admin surface.
func (a *App) Gateway() *proxy.Gateway { return a.gw }

// Registry exposes the provider registry for the programmatic admin surface.
func (a *App) Registry() *registry.Registry { return a.reg }

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redisPinger returns a zero-argument probe function for the HealthChecker.
// Reuses the existing client — no new connections.
func redisPinger(ctx context.Context, rdb *redis.Client) func() bool {
	return func() bool {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return rdb.Ping(pingCtx).Err() == nil
	}
}

func storePinger(ctx context.Context, st store.Store) func() bool {
	return func() bool {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return st.Ping(pingCtx) == nil
	}
}

func secretsPinger(ctx context.Context, sec secrets.Backend) func() bool {
	return func() bool {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return sec.Ping(pingCtx) == nil
	}
}
