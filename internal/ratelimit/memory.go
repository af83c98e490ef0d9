package ratelimit

import (
	"sync"
	"time"
)

// memoryWindows is the local fallback sliding window. Each key holds a slice
// of entry timestamps; expired entries are dropped on every touch so the
// check stays amortized O(1) per consumed unit.
type memoryWindows struct {
	mu   sync.Mutex
	keys map[string][]time.Time
}

func newMemoryWindows() *memoryWindows {
	return &memoryWindows{keys: make(map[string][]time.Time)}
}

func (m *memoryWindows) allow(key string, limit, cost int, now time.Time) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.expire(key, now)
	if len(entries)+cost > limit {
		ra := time.Second
		if len(entries) > 0 {
			ra = entries[0].Add(window).Sub(now)
			if ra <= 0 {
				ra = time.Second
			}
			if ra > window {
				ra = window
			}
		}
		return Decision{Allowed: false, RetryAfter: ra}
	}

	for i := 0; i < cost; i++ {
		entries = append(entries, now)
	}
	m.keys[key] = entries
	return Decision{Allowed: true}
}

func (m *memoryWindows) consume(key string, cost int, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.expire(key, now)
	for i := 0; i < cost; i++ {
		entries = append(entries, now)
	}
	m.keys[key] = entries
}

func (m *memoryWindows) refund(key string, cost int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.keys[key]
	if cost >= len(entries) {
		delete(m.keys, key)
		return
	}
	m.keys[key] = entries[cost:]
}

// expire drops entries older than the window. Caller holds the lock.
func (m *memoryWindows) expire(key string, now time.Time) []time.Time {
	entries := m.keys[key]
	cutoff := now.Add(-window)
	i := 0
	for i < len(entries) && entries[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		entries = entries[i:]
		if len(entries) == 0 {
			delete(m.keys, key)
			return nil
		}
		m.keys[key] = entries
	}
	return entries
}
