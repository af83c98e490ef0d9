package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	shieldIdleTTL  = 10 * time.Minute
	shieldBlockTTL = 5 * time.Minute

	// shieldStrikeLimit strikes earn a hard block; strikes come from rate
	// violations and from requesting more than shieldPathLimit distinct
	// paths, the signature of an endpoint scan.
	shieldStrikeLimit = 10
	shieldPathLimit   = 32
)

// Shield is a pre-auth per-IP limiter. It sits in front of key validation so
// an unauthenticated flood cannot grind the auth path. Rate violations and
// path scans accrue strikes; repeat offenders are blocked outright for a
// cooldown period.
type Shield struct {
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	clients map[string]*shieldEntry
}

type shieldEntry struct {
	lim          *rate.Limiter
	paths        map[string]struct{}
	lastSeen     time.Time
	strikes      int
	blockedUntil time.Time
}

// NewShield creates a Shield allowing rps requests per second with the given
// burst per source IP.
func NewShield(rps float64, burst int) *Shield {
	return &Shield{
		rps:     rate.Limit(rps),
		burst:   burst,
		clients: make(map[string]*shieldEntry),
	}
}

// Allow reports whether a request from ip for path may proceed.
func (s *Shield) Allow(ip, path string) bool {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.clients[ip]
	if !ok {
		e = &shieldEntry{
			lim:   rate.NewLimiter(s.rps, s.burst),
			paths: make(map[string]struct{}),
		}
		s.clients[ip] = e
	}
	e.lastSeen = now

	if now.Before(e.blockedUntil) {
		return false
	}

	// A legitimate API client touches a handful of endpoints; every distinct
	// path past the cap is a strike even when the rate itself is fine.
	if _, seen := e.paths[path]; !seen {
		if len(e.paths) < shieldPathLimit {
			e.paths[path] = struct{}{}
		} else {
			e.strikes++
		}
	}

	allowed := e.lim.Allow()
	if !allowed {
		e.strikes++
	}
	if e.strikes >= shieldStrikeLimit {
		e.blockedUntil = now.Add(shieldBlockTTL)
		e.strikes = 0
		e.paths = make(map[string]struct{})
		return false
	}
	return allowed
}

// Blocked reports whether ip is currently serving a block cooldown.
func (s *Shield) Blocked(ip string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.clients[ip]
	return ok && time.Now().Before(e.blockedUntil)
}

// Sweep drops idle entries. Run periodically from the app lifecycle.
func (s *Shield) Sweep() int {
	cutoff := time.Now().Add(-shieldIdleTTL)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for ip, e := range s.clients {
		if e.lastSeen.Before(cutoff) && time.Now().After(e.blockedUntil) {
			delete(s.clients, ip)
			removed++
		}
	}
	return removed
}
