package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"cwa-risk-core/shared/authx"
	"cwa-risk-core/shared/httpx"
)

// RateLimitMiddleware throttles per authenticated subject, falling back to
// the client address. Cost, when set, weighs a request; the default is 1.
type RateLimitMiddleware struct {
	Limiter *KeyRateLimiter
	Cost    func(*http.Request) float64
	Skip    func(*http.Request) bool
}

func (m RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Limiter == nil || (m.Skip != nil && m.Skip(r)) {
			next.ServeHTTP(w, r)
			return
		}
		cost := 1.0
		if m.Cost != nil {
			cost = m.Cost(r)
		}
		ok, retryAfter := m.Limiter.Reserve(rateLimitKey(r), cost)
		if !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
			httpx.WriteError(w, r, http.StatusTooManyRequests, "RESOURCE_EXHAUSTED", "rate limit exceeded", map[string]any{
				"retry_after_ms": retryAfter.Milliseconds(),
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// KeyRateLimiter keeps one token bucket per key. Idle buckets are dropped
// after ttl.
type KeyRateLimiter struct {
	now       func() time.Time
	mu        sync.Mutex
	rps       float64
	burst     float64
	ttl       time.Duration
	lastSweep time.Time
	buckets   map[string]*bucket
}

type bucket struct {
	tokens float64
	seen   time.Time
}

func NewKeyRateLimiter(rps float64, burst int, ttl time.Duration) *KeyRateLimiter {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 10
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &KeyRateLimiter{
		now:     time.Now,
		rps:     rps,
		burst:   float64(burst),
		ttl:     ttl,
		buckets: make(map[string]*bucket),
	}
}

func (l *KeyRateLimiter) Allow(key string) bool {
	ok, _ := l.Reserve(key, 1)
	return ok
}

// Reserve takes cost tokens from key's bucket. When the bucket is short it
// takes nothing and reports how long until cost tokens are available.
func (l *KeyRateLimiter) Reserve(key string, cost float64) (bool, time.Duration) {
	if cost <= 0 {
		cost = 1
	}
	if cost > l.burst {
		cost = l.burst
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) > l.ttl {
		for k, b := range l.buckets {
			if now.Sub(b.seen) > l.ttl {
				delete(l.buckets, k)
			}
		}
		l.lastSweep = now
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.burst, seen: now}
		l.buckets[key] = b
	}
	b.tokens = math.Min(l.burst, b.tokens+now.Sub(b.seen).Seconds()*l.rps)
	b.seen = now
	if b.tokens < cost {
		missing := cost - b.tokens
		return false, time.Duration(missing / l.rps * float64(time.Second))
	}
	b.tokens -= cost
	return true, 0
}

func rateLimitKey(r *http.Request) string {
	if auth, ok := authx.FromContext(r.Context()); ok && auth.Subject != "" {
		return "sub:" + auth.Subject
	}
	if ip := httpx.ClientIP(r); ip != "" {
		return "ip:" + ip
	}
	return "unknown"
}
