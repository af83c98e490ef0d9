package proxy

import (
	"sync"

	"golang.org/x/sync/semaphore"
)

// defaultProviderConcurrency caps concurrent attempts against one provider
// when the provider config does not set its own socket limit.
const defaultProviderConcurrency = 32

// providerPool bounds concurrent upstream attempts per provider. The global
// admission queue caps total dispatch; this keeps one slow provider from
// absorbing every dispatched slot.
type providerPool struct {
	perProvider int64

	mu   sync.Mutex
	sems map[string]*semaphore.Weighted
}

func newProviderPool(perProvider int) *providerPool {
	if perProvider <= 0 {
		perProvider = defaultProviderConcurrency
	}
	return &providerPool{
		perProvider: int64(perProvider),
		sems:        make(map[string]*semaphore.Weighted),
	}
}

// tryAcquire claims an attempt slot for the provider without blocking.
// A false return means the provider is saturated and the dispatcher should
// move on to the next candidate.
func (p *providerPool) tryAcquire(provider string) bool {
	return p.sem(provider).TryAcquire(1)
}

func (p *providerPool) release(provider string) {
	p.sem(provider).Release(1)
}

func (p *providerPool) sem(provider string) *semaphore.Weighted {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sems[provider]
	if !ok {
		s = semaphore.NewWeighted(p.perProvider)
		p.sems[provider] = s
	}
	return s
}
