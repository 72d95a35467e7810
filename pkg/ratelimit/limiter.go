package ratelimit

import (
	"sync"
	"time"
)

// Decision is the admission verdict for one call.
type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
	// RetryAfter is the time until the window resets; zero when allowed.
	RetryAfter time.Duration
}

// Limiter admits or denies calls per identity over a fixed window.
type Limiter interface {
	Allow(identity string, limit int) Decision
}

// InMemoryLimiter keeps fixed-window buckets keyed by identity for the
// process lifetime. Increment-and-check is atomic under the mutex, so two
// concurrent calls at count=limit-1 can never both be admitted past the
// limit.
type InMemoryLimiter struct {
	mu     sync.Mutex
	window time.Duration
	items  map[string]bucket
	now    func() time.Time
}

type bucket struct {
	count   int
	resetAt time.Time
}

func NewInMemory(window time.Duration) *InMemoryLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &InMemoryLimiter{
		window: window,
		items:  make(map[string]bucket),
		now:    time.Now,
	}
}

func (l *InMemoryLimiter) Allow(identity string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	now := l.now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cleanup(now)
	curr, ok := l.items[identity]
	if !ok || now.After(curr.resetAt) {
		curr = bucket{
			count:   0,
			resetAt: now.Add(l.window),
		}
	}
	curr.count++
	// The admission that trips the limit is counted, then the call is
	// denied; the observable count never passes limit+1.
	if curr.count > limit+1 {
		curr.count = limit + 1
	}
	l.items[identity] = curr
	return decide(curr.count, limit, curr.resetAt, now)
}

func (l *InMemoryLimiter) cleanup(now time.Time) {
	for k, v := range l.items {
		if now.After(v.resetAt) {
			delete(l.items, k)
		}
	}
}

func decide(count, limit int, resetAt, now time.Time) Decision {
	allowed := count <= limit
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	d := Decision{
		Allowed:   allowed,
		Count:     count,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
	if !allowed {
		d.RetryAfter = resetAt.Sub(now)
		if d.RetryAfter < 0 {
			d.RetryAfter = 0
		}
	}
	return d
}
