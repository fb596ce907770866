package paywall

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/siddimore/mcp-paywall/internal/clock"
)

// maxTrackedCallers bounds the limiter map. When it is full, callers
// whose bucket has refilled are dropped first, then the least recently
// seen one.
const maxTrackedCallers = 10000

type callerBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// callerLimiter keeps a token bucket per caller key.
type callerLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	clock   clock.Clock
	maxKeys int
	buckets map[string]*callerBucket
}

func newCallerLimiter(limit rate.Limit, burst int, clk clock.Clock) *callerLimiter {
	if limit <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &callerLimiter{
		limit:   limit,
		burst:   burst,
		clock:   clk,
		maxKeys: maxTrackedCallers,
		buckets: make(map[string]*callerBucket),
	}
}

// allow reports whether key may proceed now. A nil limiter allows
// everything.
func (l *callerLimiter) allow(key string) bool {
	if l == nil {
		return true
	}
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()
	bucket, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= l.maxKeys {
			l.evictLocked(now)
		}
		bucket = &callerBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = bucket
	}
	bucket.lastSeen = now
	return bucket.limiter.AllowN(now, 1)
}

func (l *callerLimiter) evictLocked(now time.Time) {
	var oldestKey string
	var oldest time.Time
	for key, bucket := range l.buckets {
		if bucket.limiter.TokensAt(now) >= float64(l.burst) {
			delete(l.buckets, key)
			continue
		}
		if oldestKey == "" || bucket.lastSeen.Before(oldest) {
			oldestKey, oldest = key, bucket.lastSeen
		}
	}
	if len(l.buckets) >= l.maxKeys && oldestKey != "" {
		delete(l.buckets, oldestKey)
	}
}

