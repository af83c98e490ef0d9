package proxy

import (
	"sort"
	"sync"

	"github.com/relaymux/relaymux/internal/registry"
)

// inflightCounter tracks per-provider in-flight requests so candidate
// ordering can prefer idle providers.
type inflightCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func newInflightCounter() *inflightCounter {
	return &inflightCounter{counts: make(map[string]int)}
}

func (c *inflightCounter) inc(provider string) {
	c.mu.Lock()
	c.counts[provider]++
	c.mu.Unlock()
}

func (c *inflightCounter) dec(provider string) {
	c.mu.Lock()
	if c.counts[provider] > 0 {
		c.counts[provider]--
	}
	c.mu.Unlock()
}

func (c *inflightCounter) get(provider string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[provider]
}

// orderCandidates sorts the snapshot's candidates for one model into attempt
// order: healthy breakers first (closed, then half-open, then open), and
// within each partition by priority descending, windowed error rate
// ascending, then current in-flight load ascending. Forced-open providers
// are dropped entirely — only an admin reset brings them back.
func orderCandidates(cands []registry.Candidate, cb *CircuitBreaker, inflight *inflightCounter) []registry.Candidate {
	type scored struct {
		cand      registry.Candidate
		partition int
		errRate   float64
		depth     int
	}

	out := make([]scored, 0, len(cands))
	for _, c := range cands {
		state := cb.State(c.Provider.ID)
		if state == cbForcedOpen {
			continue
		}
		out = append(out, scored{
			cand:      c,
			partition: statePartition(state),
			errRate:   cb.ErrorRate(c.Provider.ID),
			depth:     inflight.get(c.Provider.ID),
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].partition != out[j].partition {
			return out[i].partition < out[j].partition
		}
		if out[i].cand.Provider.Priority != out[j].cand.Provider.Priority {
			return out[i].cand.Provider.Priority > out[j].cand.Provider.Priority
		}
		if out[i].errRate != out[j].errRate {
			return out[i].errRate < out[j].errRate
		}
		return out[i].depth < out[j].depth
	})

	result := make([]registry.Candidate, len(out))
	for i, s := range out {
		result[i] = s.cand
	}
	return result
}

func statePartition(s cbState) int {
	switch s {
	case cbClosed:
		return 0
	case cbHalfOpen:
		return 1
	default:
		return 2
	}
}
