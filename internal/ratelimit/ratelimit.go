// Package ratelimit implements a per-subject token bucket rate limiter on top
// of golang.org/x/time/rate. Each subject (a JWT subject on the gateway) gets
// an independent bucket; idle buckets are evicted lazily.
package ratelimit

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when a subject has exhausted its bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

const defaultIdleTTL = 10 * time.Minute

// Config configures the limiter.
type Config struct {
	RequestsPerMinute int           // Tokens added per minute. 0 = unlimited (Allow always succeeds).
	BurstSize         int           // Maximum tokens in bucket. 0 = defaults to RequestsPerMinute.
	IdleTTL           time.Duration // Buckets unused this long are dropped. Default: 10m.
}

// Limiter is a per-subject rate limiter. Safe for concurrent use.
type Limiter struct {
	mu       sync.Mutex
	subjects map[string]*entry
	limit    rate.Limit
	burst    int
	idleTTL  time.Duration
	now      func() time.Time
	lastGC   time.Time
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLimiter creates a rate limiter with the given configuration.
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1
	}
	ttl := cfg.IdleTTL
	if ttl <= 0 {
		ttl = defaultIdleTTL
	}
	return &Limiter{
		subjects: make(map[string]*entry),
		limit:    rate.Limit(float64(cfg.RequestsPerMinute) / 60.0),
		burst:    burst,
		idleTTL:  ttl,
		now:      time.Now,
	}
}

// Allow consumes one token for subject and returns ErrRateLimited when none
// is left.
func (l *Limiter) Allow(subject string) error {
	if l == nil || l.limit <= 0 {
		return nil
	}

	l.mu.Lock()
	now := l.now()
	e, ok := l.subjects[subject]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.subjects[subject] = e
	}
	e.lastSeen = now
	l.evictIdle(now)
	l.mu.Unlock()

	if !e.limiter.AllowN(now, 1) {
		return ErrRateLimited
	}
	return nil
}

// Len returns the number of tracked subjects.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subjects)
}

// evictIdle drops buckets not used within idleTTL. Must be called with l.mu held.
func (l *Limiter) evictIdle(now time.Time) {
	if now.Sub(l.lastGC) < l.idleTTL {
		return
	}
	l.lastGC = now
	for subject, e := range l.subjects {
		if now.Sub(e.lastSeen) >= l.idleTTL {
			delete(l.subjects, subject)
		}
	}
}
