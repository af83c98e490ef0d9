package proxy

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/relaymux/relaymux/internal/metrics"
	"github.com/relaymux/relaymux/internal/registry"
	"github.com/relaymux/relaymux/internal/sandbox"
)

const (
	healthProbeInterval = 30 * time.Second
	healthProbeTimeout  = 5 * time.Second
)

// HealthChecker runs background probes over the current provider set and
// exposes the latest results. The provider list is re-read from the registry
// snapshot on every cycle, so registered and deleted providers show up
// without restarts. It also sweeps leaked sandbox containers.
type HealthChecker struct {
	reg     *registry.Registry
	factory *AdapterFactory
	baseCtx context.Context
	log     *slog.Logger
	metrics *metrics.Registry

	cacheReady   func() bool       // nil means "not configured" → ok
	storeReady   func() bool       // nil means "not configured" → ok
	secretsReady func() bool       // nil means "not configured" → ok
	sandbox      *sandbox.Executor // nil when no CLI providers exist

	mu             sync.RWMutex
	providerStatus map[string]string // "ok" | "degraded" | "down"
	cacheStatus    string
	storeStatus    string
	secretsStatus  string

	startTime time.Time
	done      chan struct{}
	wg        sync.WaitGroup
	started   bool
}

// NewHealthChecker creates a checker. Probing starts with Start, after the
// optional probes are injected.
func NewHealthChecker(ctx context.Context, reg *registry.Registry, factory *AdapterFactory, met *metrics.Registry, log *slog.Logger) *HealthChecker {
	if ctx == nil {
		panic("healthchecker: context must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &HealthChecker{
		reg:            reg,
		factory:        factory,
		baseCtx:        ctx,
		log:            log,
		metrics:        met,
		providerStatus: make(map[string]string),
		cacheStatus:    "unknown",
		storeStatus:    "unknown",
		secretsStatus:  "unknown",
		startTime:      time.Now(),
		done:           make(chan struct{}),
	}
}

// SetCacheReady injects the cache readiness probe (e.g. Redis PING).
func (hc *HealthChecker) SetCacheReady(probe func() bool) { hc.cacheReady = probe }

// SetStoreReady injects the persistent store readiness probe.
func (hc *HealthChecker) SetStoreReady(probe func() bool) { hc.storeReady = probe }

// SetSecretsReady injects the secrets backend readiness probe.
func (hc *HealthChecker) SetSecretsReady(probe func() bool) { hc.secretsReady = probe }

// SetSandbox injects the sandbox executor for container accounting and leak
// sweeps.
func (hc *HealthChecker) SetSandbox(exec *sandbox.Executor) { hc.sandbox = exec }

// Start runs the first probe synchronously and launches the background loop.
func (hc *HealthChecker) Start() {
	if hc.started {
		return
	}
	hc.started = true
	hc.probe()
	hc.wg.Add(1)
	go hc.run()
}

// Close stops the background probe goroutine.
func (hc *HealthChecker) Close() {
	if !hc.started {
		return
	}
	close(hc.done)
	hc.wg.Wait()
}

// HealthSnapshot is the GET /healthz body.
type HealthSnapshot struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Providers     map[string]string `json:"providers"`
	Cache         string            `json:"cache"`
	Store         string            `json:"store"`
	Secrets       string            `json:"secrets"`
}

// Snapshot builds a snapshot from the latest probe results.
func (hc *HealthChecker) Snapshot() HealthSnapshot {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	overall := "ok"
	provs := make(map[string]string, len(hc.providerStatus))
	for name, st := range hc.providerStatus {
		provs[name] = st
		if st != "ok" {
			overall = "degraded"
		}
	}
	if hc.cacheStatus == "down" || hc.storeStatus == "down" || hc.secretsStatus == "down" {
		overall = "degraded"
	}
	return HealthSnapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Providers:     provs,
		Cache:         hc.cacheStatus,
		Store:         hc.storeStatus,
		Secrets:       hc.secretsStatus,
	}
}

// ReadinessOK reports whether the gateway should receive traffic: the store,
// secrets and cache boundaries must be reachable, and at least one enabled
// provider must answer its probe. A gateway with no enabled providers is
// gated on the boundaries alone, so the admin surface stays usable while the
// first provider is being registered.
func (hc *HealthChecker) ReadinessOK() bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	if hc.cacheStatus == "down" || hc.storeStatus == "down" || hc.secretsStatus == "down" {
		return false
	}
	for _, st := range hc.providerStatus {
		if st == "ok" {
			return true
		}
	}
	return len(hc.providerStatus) == 0
}

func (hc *HealthChecker) run() {
	defer hc.wg.Done()
	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.probe()
		case <-hc.done:
			return
		case <-hc.baseCtx.Done():
			return
		}
	}
}

func (hc *HealthChecker) probe() {
	ctx, cancel := context.WithTimeout(hc.baseCtx, healthProbeTimeout)
	defer cancel()

	snap := hc.reg.Snapshot()
	results := make(map[string]string, len(snap.Providers))
	var (
		resMu sync.Mutex
		wg    sync.WaitGroup
	)

	for _, p := range snap.Providers {
		if !p.Enabled {
			continue
		}
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			status := "ok"
			ad, err := hc.factory.Adapter(ctx, p)
			if err != nil {
				status = "down"
			} else if err := ad.HealthProbe(ctx); err != nil {
				status = "degraded"
			}
			resMu.Lock()
			results[p.ID] = status
			resMu.Unlock()
			if hc.metrics != nil {
				hc.metrics.SetProviderHealth(p.ID, status == "ok")
			}
		}()
	}

	cacheStatus, storeStatus, secretsStatus := "ok", "ok", "ok"
	wg.Add(1)
	go func() {
		defer wg.Done()
		if hc.cacheReady != nil && !hc.cacheReady() {
			cacheStatus = "down"
		}
		if hc.storeReady != nil && !hc.storeReady() {
			storeStatus = "down"
		}
		if hc.secretsReady != nil && !hc.secretsReady() {
			secretsStatus = "down"
		}
	}()

	wg.Wait()

	hc.mu.Lock()
	hc.providerStatus = results
	hc.cacheStatus = cacheStatus
	hc.storeStatus = storeStatus
	hc.secretsStatus = secretsStatus
	hc.mu.Unlock()

	hc.sweepSandbox(ctx)
}

// sweepSandbox reports the live container count and reaps anything the
// executor lost track of (e.g. after a crash mid-request).
func (hc *HealthChecker) sweepSandbox(ctx context.Context) {
	if hc.sandbox == nil {
		return
	}
	if hc.metrics != nil {
		hc.metrics.SetSandboxContainers(hc.sandbox.ActiveContainers())
	}
	if leaked := hc.sandbox.Sweep(ctx); leaked > 0 {
		hc.log.WarnContext(ctx, "sandbox_sweep", slog.Int("leaked", leaked))
		if hc.metrics != nil {
			hc.metrics.RecordSandboxLeaks(leaked)
		}
	}
}
