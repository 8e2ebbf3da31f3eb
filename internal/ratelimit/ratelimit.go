package ratelimit

import (
	"sync"
	"time"

	ratelib "golang.org/x/time/rate"
)

// Limiter keeps one token bucket per key (a rule prefix, or prefix + client IP).
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

type bucket struct {
	lim      *ratelib.Limiter
	lastSeen time.Time
}

func NewLimiter() *Limiter {
	return &Limiter{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Key builds the bucket key for a rule, optionally scoped to one client.
func Key(prefix, clientIP string, perClient bool) string {
	if !perClient || clientIP == "" {
		return prefix
	}
	return prefix + "|" + clientIP
}

// Allow reports whether a request for key may proceed. A reload that changes
// rps or burst is applied to the existing bucket.
func (l *Limiter) Allow(key string, rps float64, burst int) bool {
	now := l.now()

	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: ratelib.NewLimiter(ratelib.Limit(rps), burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	l.mu.Unlock()

	if b.lim.Limit() != ratelib.Limit(rps) {
		b.lim.SetLimitAt(now, ratelib.Limit(rps))
	}
	if b.lim.Burst() != burst {
		b.lim.SetBurstAt(now, burst)
	}
	return b.lim.AllowN(now, 1)
}

// Prune drops buckets idle for longer than idle and returns how many went.
func (l *Limiter) Prune(idle time.Duration) int {
	cutoff := l.now().Add(-idle)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, k)
			n++
		}
	}
	return n
}

// Len is the number of live buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
