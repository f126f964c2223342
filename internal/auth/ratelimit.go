package auth

import (
	"sync"
	"time"
)

// RateLimiter enforces a per-principal request budget over a rolling
// one-second window.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	limit   int
	window  time.Duration
}

type window struct {
	count   int
	resetAt time.Time
}

// NewRateLimiter creates a limiter allowing limit requests per windowSize
// per key.
func NewRateLimiter(limit int, windowSize time.Duration) *RateLimiter {
	return &RateLimiter{
		windows: make(map[string]*window),
		limit:   limit,
		window:  windowSize,
	}
}

// Decision reports the outcome of one Allow call, with the header values the
// HTTP layer exposes.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAfter time.Duration
}

// Allow consumes one request from the key's budget and returns the decision.
func (rl *RateLimiter) Allow(key string) Decision {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	w, ok := rl.windows[key]
	if !ok || now.After(w.resetAt) {
		w = &window{count: 0, resetAt: now.Add(rl.window)}
		rl.windows[key] = w
	}

	d := Decision{Limit: rl.limit, ResetAfter: time.Until(w.resetAt)}
	if w.count >= rl.limit {
		return d
	}
	w.count++
	d.Allowed = true
	d.Remaining = rl.limit - w.count
	return d
}

// Prune drops expired windows. Called periodically so long-idle keys do not
// accumulate.
func (rl *RateLimiter) Prune() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for key, w := range rl.windows {
		if now.After(w.resetAt) {
			delete(rl.windows, key)
		}
	}
}
