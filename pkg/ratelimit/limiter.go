package ratelimit

import (
	"sync"
	"time"
)

// Decision is the outcome of one Allow call. ResetAt tells a rejected
// caller when its account's window opens again.
type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter throttles query evaluation per accessor account over a fixed
// window.
type Limiter interface {
	Allow(key string, limit int) Decision
}

// InMemoryLimiter is a single-replica fixed-window counter. It also backs
// RedisLimiter when redis is unreachable.
type InMemoryLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	windows map[string]window
	now     func() time.Time
}

type window struct {
	count   int
	resetAt time.Time
}

func NewInMemory(windowLen time.Duration) *InMemoryLimiter {
	if windowLen <= 0 {
		windowLen = time.Minute
	}
	return &InMemoryLimiter{
		window:  windowLen,
		windows: make(map[string]window),
		now:     time.Now,
	}
}

func (l *InMemoryLimiter) Allow(key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	now := l.now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[key]
	if !ok || now.After(w.resetAt) {
		// Expired entries for other accounts are reaped here too, so an
		// idle limiter does not accumulate one window per account forever.
		l.sweep(now)
		w = window{resetAt: now.Add(l.window)}
	}
	w.count++
	l.windows[key] = w
	return decide(w.count, limit, w.resetAt)
}

func (l *InMemoryLimiter) sweep(now time.Time) {
	for k, w := range l.windows {
		if now.After(w.resetAt) {
			delete(l.windows, k)
		}
	}
}

func decide(count, limit int, resetAt time.Time) Decision {
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= limit,
		Count:     count,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}
