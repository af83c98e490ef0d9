package proxy

import (
	"sync"
	"time"

	"github.com/relaymux/relaymux/internal/adapters"
)

// cbState represents the operational state of a per-provider circuit breaker.
//
//	cbClosed     — normal operation; all requests pass through.
//	cbOpen       — provider is failing; requests are rejected immediately.
//	cbHalfOpen   — recovery probe; one request is allowed through.
//	cbForcedOpen — configuration error; stays open until an admin reset.
type cbState int

const (
	cbClosed     cbState = 0
	cbOpen       cbState = 1
	cbHalfOpen   cbState = 2
	cbForcedOpen cbState = 3
)

// Circuit breaker defaults.
const (
	cbDefaultThreshold = 5
	cbDefaultWindow    = 60 * time.Second
	cbDefaultCooldown  = 30 * time.Second
)

// CBConfig holds circuit breaker tuning parameters. Zero values fall back to
// the package defaults.
type CBConfig struct {
	// ErrorThreshold is the number of counted failures within TimeWindow
	// that trips the breaker. Default: 5.
	ErrorThreshold int

	// TimeWindow is the rolling window for counting errors. Default: 60s.
	TimeWindow time.Duration

	// Cooldown is how long the breaker stays open before allowing a single
	// probe request. Default: 30s.
	Cooldown time.Duration
}

func (c *CBConfig) errorThreshold() int {
	if c.ErrorThreshold > 0 {
		return c.ErrorThreshold
	}
	return cbDefaultThreshold
}

func (c *CBConfig) timeWindow() time.Duration {
	if c.TimeWindow > 0 {
		return c.TimeWindow
	}
	return cbDefaultWindow
}

func (c *CBConfig) cooldown() time.Duration {
	if c.Cooldown > 0 {
		return c.Cooldown
	}
	return cbDefaultCooldown
}

// providerCB holds per-provider circuit breaker state.
type providerCB struct {
	mu sync.Mutex

	state         cbState
	errorCount    int
	windowStart   time.Time // start of the current error-counting window
	openedAt      time.Time // when the breaker was tripped (for the cooldown timer)
	probeInflight bool      // true while a half-open probe is in flight

	// Windowed attempt counters feeding candidate ordering.
	attempts uint64
	failures uint64
}

// CircuitBreaker manages independent breakers keyed by provider id. Breakers
// are created lazily, so registering a provider needs no breaker bookkeeping.
// Safe for concurrent use.
type CircuitBreaker struct {
	mu       sync.Mutex
	breakers map[string]*providerCB
	cfg      CBConfig
}

func NewCircuitBreaker(cfg CBConfig) *CircuitBreaker {
	return &CircuitBreaker{
		breakers: make(map[string]*providerCB),
		cfg:      cfg,
	}
}

// Allow reports whether the provider should receive the next request.
//
//   - Closed     → always true.
//   - Open       → false, unless the cooldown has elapsed, in which case the
//     breaker transitions to HalfOpen and admits exactly one probe.
//   - HalfOpen   → true only if no probe is currently in flight.
//   - ForcedOpen → always false; only Reset clears it.
func (cb *CircuitBreaker) Allow(provider string) bool {
	pcb := cb.get(provider)

	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	switch pcb.state {
	case cbClosed:
		return true

	case cbOpen:
		if time.Since(pcb.openedAt) >= cb.cfg.cooldown() {
			pcb.state = cbHalfOpen
			pcb.probeInflight = true
			return true
		}
		return false

	case cbHalfOpen:
		if pcb.probeInflight {
			return false
		}
		pcb.probeInflight = true
		return true

	case cbForcedOpen:
		return false
	}

	return true
}

// RecordSuccess marks a successful response and closes the breaker, except
// when it is forced open by a configuration error.
func (cb *CircuitBreaker) RecordSuccess(provider string) {
	pcb := cb.get(provider)

	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	pcb.attempts++
	pcb.probeInflight = false
	if pcb.state == cbForcedOpen {
		return
	}
	pcb.state = cbClosed
	pcb.errorCount = 0
	pcb.windowStart = time.Now()
}

// RecordFailure updates the breaker according to the error kind:
//
//   - Cancelled and BadRequest never move the breaker.
//   - Config forces the breaker open until an admin reset.
//   - In Closed, only Transient and Timeout count toward the threshold;
//     a Permanent upstream failure leaves the closed breaker alone.
//   - In HalfOpen, any counted kind (including Permanent) re-opens.
func (cb *CircuitBreaker) RecordFailure(provider string, kind adapters.Kind) {
	pcb := cb.get(provider)

	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	pcb.attempts++
	pcb.failures++
	wasProbe := pcb.probeInflight
	pcb.probeInflight = false

	switch kind {
	case adapters.KindCancelled, adapters.KindBadRequest:
		return
	case adapters.KindConfig:
		pcb.state = cbForcedOpen
		pcb.openedAt = time.Now()
		return
	}

	now := time.Now()

	if pcb.state == cbHalfOpen && wasProbe {
		// Failed probe: back to open, fresh cooldown.
		pcb.state = cbOpen
		pcb.openedAt = now
		pcb.errorCount = 0
		return
	}

	if kind != adapters.KindTransient && kind != adapters.KindTimeout {
		return
	}

	// Reset counter when the rolling window has expired.
	if now.Sub(pcb.windowStart) > cb.cfg.timeWindow() {
		pcb.errorCount = 0
		pcb.windowStart = now
	}

	pcb.errorCount++
	if pcb.errorCount >= cb.cfg.errorThreshold() {
		pcb.state = cbOpen
		pcb.openedAt = now
	}
}

// Reset closes the breaker unconditionally. Used by the admin API after a
// provider edit or to clear a forced-open configuration failure.
func (cb *CircuitBreaker) Reset(provider string) {
	pcb := cb.get(provider)

	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	pcb.state = cbClosed
	pcb.errorCount = 0
	pcb.probeInflight = false
	pcb.windowStart = time.Now()
	pcb.attempts = 0
	pcb.failures = 0
}

// State returns the current cbState for provider.
func (cb *CircuitBreaker) State(provider string) cbState {
	pcb := cb.get(provider)
	pcb.mu.Lock()
	defer pcb.mu.Unlock()
	return pcb.state
}

// StateLabel returns "closed", "open", "half-open", or "forced-open".
func (cb *CircuitBreaker) StateLabel(provider string) string {
	switch cb.State(provider) {
	case cbOpen:
		return "open"
	case cbHalfOpen:
		return "half-open"
	case cbForcedOpen:
		return "forced-open"
	default:
		return "closed"
	}
}

// ErrorRate returns the windowed failure ratio in [0, 1]. Providers with no
// recorded attempts score zero.
func (cb *CircuitBreaker) ErrorRate(provider string) float64 {
	pcb := cb.get(provider)
	pcb.mu.Lock()
	defer pcb.mu.Unlock()
	if pcb.attempts == 0 {
		return 0
	}
	return float64(pcb.failures) / float64(pcb.attempts)
}

func (cb *CircuitBreaker) get(provider string) *providerCB {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	pcb, ok := cb.breakers[provider]
	if !ok {
		pcb = &providerCB{state: cbClosed, windowStart: time.Now()}
		cb.breakers[provider] = pcb
	}
	return pcb
}
