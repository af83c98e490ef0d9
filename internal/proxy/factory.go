package proxy

import (
	"context"
	"sync"

	"github.com/relaymux/relaymux/internal/adapters"
	"github.com/relaymux/relaymux/internal/adapters/cli"
	"github.com/relaymux/relaymux/internal/adapters/httpsdk"
	"github.com/relaymux/relaymux/internal/adapters/local"
	"github.com/relaymux/relaymux/internal/adapters/oaiproxy"
	"github.com/relaymux/relaymux/internal/registry"
	"github.com/relaymux/relaymux/internal/sandbox"
	"github.com/relaymux/relaymux/internal/secrets"
)

// AdapterFactory builds and caches adapters per provider. Cache entries are
// keyed by provider identity: registry snapshots clone a provider on every
// edit, so a changed pointer means changed config and forces a rebuild
// (which re-resolves credentials and re-runs local service detection).
type AdapterFactory struct {
	exec *sandbox.Executor
	sec  secrets.Backend

	mu    sync.Mutex
	cache map[string]factoryEntry
}

type factoryEntry struct {
	src *registry.Provider
	ad  adapters.Adapter
}

func NewAdapterFactory(exec *sandbox.Executor, sec secrets.Backend) *AdapterFactory {
	return &AdapterFactory{
		exec:  exec,
		sec:   sec,
		cache: make(map[string]factoryEntry),
	}
}

// Adapter returns the adapter for p, building it on first use.
func (f *AdapterFactory) Adapter(ctx context.Context, p *registry.Provider) (adapters.Adapter, error) {
	f.mu.Lock()
	if e, ok := f.cache[p.ID]; ok && e.src == p {
		f.mu.Unlock()
		return e.ad, nil
	}
	f.mu.Unlock()

	ad, err := f.build(ctx, p)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.cache[p.ID] = factoryEntry{src: p, ad: ad}
	f.mu.Unlock()
	return ad, nil
}

// Evict drops a provider's cached adapter. Called on provider delete.
func (f *AdapterFactory) Evict(providerID string) {
	f.mu.Lock()
	delete(f.cache, providerID)
	f.mu.Unlock()
}

func (f *AdapterFactory) build(ctx context.Context, p *registry.Provider) (adapters.Adapter, error) {
	switch p.Variant {
	case adapters.VariantCLI:
		if p.CLI == nil {
			return nil, adapters.Errf(p.ID, adapters.KindConfig, "missing cli config")
		}
		return cli.New(p.ID, *p.CLI, f.exec), nil

	case adapters.VariantHTTP:
		if p.HTTP == nil {
			return nil, adapters.Errf(p.ID, adapters.KindConfig, "missing http config")
		}
		return httpsdk.New(ctx, p.ID, *p.HTTP, f.sec)

	case adapters.VariantProxy:
		if p.Proxy == nil {
			return nil, adapters.Errf(p.ID, adapters.KindConfig, "missing proxy config")
		}
		return oaiproxy.New(ctx, p.ID, *p.Proxy, f.sec)

	case adapters.VariantLocal:
		if p.Local == nil {
			return nil, adapters.Errf(p.ID, adapters.KindConfig, "missing local config")
		}
		return local.New(p.ID, *p.Local), nil
	}
	return nil, adapters.Errf(p.ID, adapters.KindConfig, "unknown variant %q", p.Variant)
}
