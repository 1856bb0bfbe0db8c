package security

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// EventLimiter is a token bucket per connection. It protects the session
// actor from clients that flood the inbound channel; it is not the single
// writer rule, which the session enforces on its own.
type EventLimiter struct {
	mu       sync.Mutex
	limiters map[string]*entry
	every    rate.Limit
	burst    int
	idleTTL  time.Duration
}

type entry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewEventLimiter allows perSecond events per key with the given burst.
func NewEventLimiter(perSecond float64, burst int) *EventLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &EventLimiter{
		limiters: make(map[string]*entry),
		every:    rate.Limit(perSecond),
		burst:    burst,
		idleTTL:  10 * time.Minute,
	}
}

// Allow reports whether key may send another event now.
func (l *EventLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.limiters[key]
	if !ok {
		e = &entry{lim: rate.NewLimiter(l.every, l.burst)}
		l.limiters[key] = e
	}
	e.lastSeen = time.Now()
	return e.lim.Allow()
}

// Forget drops the bucket for key.
func (l *EventLimiter) Forget(key string) {
	l.mu.Lock()
	delete(l.limiters, key)
	l.mu.Unlock()
}

// Prune drops buckets not used within the idle TTL and returns how many were
// removed.
func (l *EventLimiter) Prune(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, e := range l.limiters {
		if now.Sub(e.lastSeen) > l.idleTTL {
			delete(l.limiters, k)
			n++
		}
	}
	return n
}
