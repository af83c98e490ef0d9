package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/relaymux/relaymux/internal/auth"
	rmxcache "github.com/relaymux/relaymux/internal/cache"
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

// secretEnvPrefix namespaces the environment variables the default secrets
// backend resolves provider key references against.
const secretEnvPrefix = "RELAYMUX_SECRET"

// initInfra connects optional external services. A missing Redis degrades to
// in-process limiting and caching; a configured-but-broken ClickHouse is a
// startup error because the operator asked for durable usage records.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Redis.URL != "" {
		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			a.log.Warn("redis unavailable, running in-process only",
				slog.String("error", err.Error()))
		} else {
			a.rdb = rdb
		}
	}

	if a.cfg.ClickHouse.Addr != "" {
		sink, err := usage.NewClickHouseSink(ctx,
			a.cfg.ClickHouse.Addr, a.cfg.ClickHouse.Database,
			a.cfg.ClickHouse.Username, a.cfg.ClickHouse.Password)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		a.chSink = sink
	}
	return nil
}

// initRegistry builds the provider store and registry and seeds it from the
// configured providers file.
func (a *App) initRegistry(ctx context.Context) error {
	a.st = store.NewMemoryStore()
	a.reg = registry.New(a.st)

	if a.cfg.ProvidersFile != "" {
		if err := a.seedProviders(ctx, a.cfg.ProvidersFile); err != nil {
			return err
		}
	}
	return a.reg.Load(ctx)
}

func (a *App) seedProviders(ctx context.Context, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read providers file: %w", err)
	}
	var provs []*registry.Provider
	if err := json.Unmarshal(raw, &provs); err != nil {
		return fmt.Errorf("parse providers file: %w", err)
	}
	for _, p := range provs {
		if err := a.reg.Register(ctx, p); err != nil {
			return fmt.Errorf("seed provider %q: %w", p.ID, err)
		}
	}
	a.log.Info("providers seeded", slog.Int("count", len(provs)), slog.String("file", path))
	return nil
}

func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	a.limiter = ratelimit.New(a.rdb)
	if a.cfg.Shield.RPS > 0 {
		a.shield = ratelimit.NewShield(a.cfg.Shield.RPS, a.cfg.ShieldBurst())
	}

	a.est = tokens.NewEstimator()
	a.sec = secrets.NewEnvBackend(secretEnvPrefix)

	allow := sandbox.NewAllowlist(a.cfg.Sandbox.AllowedCommands, a.cfg.Sandbox.AllowedImages)
	a.exec = sandbox.NewExecutor(a.log, allow)

	var backend rmxcache.Cache
	if a.rdb != nil {
		backend = rmxcache.NewRedisCacheFromClient(a.rdb)
	} else {
		a.memCache = rmxcache.NewMemoryCache(a.baseCtx)
		backend = a.memCache
	}
	a.catalog = rmxcache.NewCatalog(backend)

	if a.cfg.KeySalt != "" {
		a.authn = auth.New(a.st, a.cfg.KeySalt)
	} else {
		a.log.Warn("KEY_SALT not set, authentication disabled")
	}

	var sink usage.Sink
	if a.chSink != nil {
		sink = a.chSink
	}
	a.rec = usage.New(a.baseCtx, a.log, a.st, sink)
	return nil
}

func (a *App) initGateway(ctx context.Context) error {
	factory := proxy.NewAdapterFactory(a.exec, a.sec)

	a.gw = proxy.NewGateway(a.baseCtx, a.reg, factory, proxy.GatewayOptions{
		Logger:  a.log,
		Metrics: a.prom,
		CBConfig: proxy.CBConfig{
			ErrorThreshold: a.cfg.CircuitBreaker.ErrorThreshold,
			TimeWindow:     a.cfg.CircuitBreaker.TimeWindow,
			Cooldown:       a.cfg.CircuitBreaker.Cooldown,
		},
		QueueConfig: proxy.QueueConfig{
			Concurrency: a.cfg.Queue.Concurrency,
			MaxWaiting:  a.cfg.Queue.MaxWaiting,
			MaxWait:     a.cfg.Queue.MaxWait,
		},
		ProviderTimeout:     a.cfg.ProviderTimeout,
		ProviderConcurrency: a.cfg.ProviderConcurrency,
		CORSOrigins:         a.cfg.CORSOrigins,
	})

	if a.authn != nil {
		a.gw.SetAuthenticator(a.authn)
	}
	a.gw.SetLimiter(a.limiter)
	if a.shield != nil {
		a.gw.SetShield(a.shield)
	}
	a.gw.SetEstimator(a.est)
	a.gw.SetUsageRecorder(a.rec)
	a.gw.SetCatalog(a.catalog)

	if a.rdb != nil {
		a.gw.Health().SetCacheReady(redisPinger(a.baseCtx, a.rdb))
	}
	a.gw.Health().SetStoreReady(storePinger(a.baseCtx, a.st))
	a.gw.Health().SetSecretsReady(secretsPinger(a.baseCtx, a.sec))
	a.gw.Health().SetSandbox(a.exec)
	return nil
}
