// Package ratelimit implements the RateLimiter component: a sliding
// 1-hour window counter keyed on (principal, role) with role-based
// default quotas. Expiry is lazy on read; increment-and-check is atomic
// per key.
package ratelimit

import (
	"container/list"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const window = time.Hour

// RoleDefaults are the per-role hourly quotas from the component design.
var RoleDefaults = map[string]int{
	"demo":          3,
	"authenticated": 100,
	"admin":         1000,
}

// DefaultQuotaForRole returns the configured quota for role, falling back
// to the "authenticated" default for unknown roles.
func DefaultQuotaForRole(role string) int {
	if n, ok := RoleDefaults[role]; ok {
		return n
	}
	return RoleDefaults["authenticated"]
}

// Limiter is a goroutine-safe sliding-window rate limiter. Counters are
// shared process-wide state, mutated under exclusion per (principal,
// role) key.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*list.Element
	lru      *list.List
	maxKeys  int
	rejected prometheus.Counter

	// httpQuota is the per-IP hourly quota enforced by Middleware, derived
	// from the configured requests-per-second limit. Mutated by
	// UpdateLimits for config hot-reload.
	httpQuota int

	nowFunc func() time.Time
}

type entry struct {
	key   string
	times []time.Time // ascending timestamps within the last hour
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithCounter sets a Prometheus counter incremented on each rejection.
func WithCounter(c prometheus.Counter) Option {
	return func(l *Limiter) { l.rejected = c }
}

// WithMaxKeys bounds the number of tracked (principal, role) keys before
// LRU eviction, guarding against unbounded memory growth from a flood of
// distinct principals.
func WithMaxKeys(n int) Option {
	return func(l *Limiter) {
		if n > 0 {
			l.maxKeys = n
		}
	}
}

// WithHTTPLimit sets the per-IP hourly quota Middleware enforces, derived
// from a requests-per-second rate and a burst floor (the quota is never
// below burst, so a single burst of traffic within the window is always
// admitted even at a low configured rps).
func WithHTTPLimit(rps int, burst int) Option {
	return func(l *Limiter) {
		quota := int(float64(rps) * window.Seconds())
		if quota < burst {
			quota = burst
		}
		l.httpQuota = quota
	}
}

func New(opts ...Option) *Limiter {
	l := &Limiter{
		buckets:   make(map[string]*list.Element),
		lru:       list.New(),
		maxKeys:   100_000,
		httpQuota: 3600, // 1 req/sec sustained, the package default
		nowFunc:   time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// UpdateLimits recomputes the HTTP middleware's per-IP hourly quota, for
// hot-reloading RateLimitRPS/RateLimitBurst without restarting the server.
func (l *Limiter) UpdateLimits(rps int, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	quota := int(float64(rps) * window.Seconds())
	if quota < burst {
		quota = burst
	}
	l.httpQuota = quota
}

// Middleware rate-limits incoming HTTP requests per client IP against the
// configured httpQuota, independent of the per-principal/role Allow used
// by the orchestration kernel's RateLimiter component.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := r.Header.Get("X-Real-IP")
		if clientIP == "" {
			clientIP = r.RemoteAddr
		}
		l.mu.Lock()
		quota := l.httpQuota
		l.mu.Unlock()

		allowed, retryAfter := l.AllowN(clientIP, "http", quota)
		if !allowed {
			w.Header().Set("Retry-After", RetryAfterString(retryAfter))
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Stop releases background resources. The sliding-window Limiter has none
// (expiry is lazy on read), so this is a no-op kept for lifecycle symmetry
// with the server's other Close() steps.
func (l *Limiter) Stop() {}

func key(principal, role string) string { return principal + "\x00" + role }

// Allow checks the (principal, role) key against role's default quota.
// It returns (true, 0) when the request is admitted, or (false,
// retryAfterSeconds) when the quota is exceeded.
func (l *Limiter) Allow(principal, role string) (bool, float64) {
	return l.AllowN(principal, role, DefaultQuotaForRole(role))
}

// AllowN checks against an explicit quota, overriding the role default.
// A quota <= 0 means unlimited.
func (l *Limiter) AllowN(principal, role string, quota int) (bool, float64) {
	if quota <= 0 {
		return true, 0
	}
	now := l.nowFunc()
	cutoff := now.Add(-window)

	l.mu.Lock()
	defer l.mu.Unlock()

	k := key(principal, role)
	elem, ok := l.buckets[k]
	var e *entry
	if !ok {
		if len(l.buckets) >= l.maxKeys {
			l.evictOldest()
		}
		e = &entry{key: k}
		elem = l.lru.PushFront(e)
		l.buckets[k] = elem
	} else {
		l.lru.MoveToFront(elem)
		e = elem.Value.(*entry)
	}

	e.times = pruneBefore(e.times, cutoff)

	if len(e.times) >= quota {
		retryAfter := e.times[0].Add(window).Sub(now).Seconds()
		if retryAfter < 0 {
			retryAfter = 0
		}
		if retryAfter > window.Seconds() {
			retryAfter = window.Seconds()
		}
		if l.rejected != nil {
			l.rejected.Inc()
		}
		return false, retryAfter
	}

	e.times = append(e.times, now)
	return true, 0
}

// pruneBefore drops timestamps at or before cutoff, keeping the slice
// sorted ascending. Called with the lock held.
func pruneBefore(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && !times[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return times
	}
	return append(times[:0], times[i:]...)
}

func (l *Limiter) evictOldest() {
	back := l.lru.Back()
	if back == nil {
		return
	}
	e := back.Value.(*entry)
	delete(l.buckets, e.key)
	l.lru.Remove(back)
}

// Count returns the current in-window request count for (principal,
// role), without consuming a slot. Used by Status/diagnostics endpoints.
func (l *Limiter) Count(principal, role string) int {
	now := l.nowFunc()
	cutoff := now.Add(-window)

	l.mu.Lock()
	defer l.mu.Unlock()

	elem, ok := l.buckets[key(principal, role)]
	if !ok {
		return 0
	}
	e := elem.Value.(*entry)
	e.times = pruneBefore(e.times, cutoff)
	return len(e.times)
}

// RetryAfterString formats a retryAfter seconds value the way an HTTP
// Retry-After header expects (whole seconds, rounded up).
func RetryAfterString(seconds float64) string {
	whole := int(seconds)
	if float64(whole) < seconds {
		whole++
	}
	return fmt.Sprintf("%d", whole)
}
