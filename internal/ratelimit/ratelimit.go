package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a per-key sliding-window rate limiter for the HTTP surface.
// Each key keeps the timestamps of its requests inside the window; a request
// is allowed while fewer than the limit remain. State is in-memory and
// single-process.
type Limiter struct {
	limit  int
	window time.Duration

	mu sync.Mutex
	m  map[string][]time.Time
}

func New(limit int, window time.Duration) *Limiter {
	if limit <= 0 {
		limit = 10
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		limit:  limit,
		window: window,
		m:      make(map[string][]time.Time),
	}
}

// Allow records an attempt for key at now and reports whether it is within
// the window budget.
func (l *Limiter) Allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.window)
	stamps := l.m[key]
	kept := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= l.limit {
		l.m[key] = kept
		return false
	}

	l.m[key] = append(kept, now)
	return true
}

// GC drops keys with no activity inside the window. Called opportunistically
// by the HTTP layer; bounded memory matters more than precision here.
func (l *Limiter) GC(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.window)
	for key, stamps := range l.m {
		live := false
		for _, ts := range stamps {
			if ts.After(cutoff) {
				live = true
				break
			}
		}
		if !live {
			delete(l.m, key)
		}
	}
}
