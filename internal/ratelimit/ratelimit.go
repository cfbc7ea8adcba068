// Package ratelimit provides small per-key token-bucket limiters built on
// golang.org/x/time/rate, used wherever the spec calls for a request
// budget keyed by session id, device id, or remote address.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// KeyedLimiter holds one token bucket per key, lazily created on first
// use and pruned when idle for longer than ttl.
type KeyedLimiter struct {
	mu       sync.Mutex
	limiters map[string]*entry
	rps      rate.Limit
	burst    int
	ttl      time.Duration
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewPerMinute builds a KeyedLimiter allowing perMinute events per key,
// with a burst equal to perMinute (a caller may spend its whole budget
// immediately, then must wait).
func NewPerMinute(perMinute int) *KeyedLimiter {
	return &KeyedLimiter{
		limiters: make(map[string]*entry),
		rps:      rate.Limit(float64(perMinute) / 60.0),
		burst:    perMinute,
		ttl:      10 * time.Minute,
	}
}

// Allow reports whether an event for key may proceed right now,
// consuming a token if so.
func (k *KeyedLimiter) Allow(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.pruneLocked()

	e, ok := k.limiters[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(k.rps, k.burst)}
		k.limiters[key] = e
	}
	e.lastSeen = time.Now()
	return e.limiter.Allow()
}

func (k *KeyedLimiter) pruneLocked() {
	if len(k.limiters) < 1024 {
		return
	}
	cutoff := time.Now().Add(-k.ttl)
	for key, e := range k.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(k.limiters, key)
		}
	}
}
