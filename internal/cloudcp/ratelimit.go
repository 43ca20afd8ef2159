package cloudcp

import (
	"net/http"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/navalha/navalha/internal/cloudcp/auditlog"
)

const (
	defaultCPRateLimit  = 120
	defaultCPRateWindow = time.Minute

	// Idle visitors are forgotten after this long; the table is also size-bounded.
	limiterIdleTTL  = 10 * time.Minute
	limiterCapacity = 8192
)

// CPRateLimiter provides IP-based token bucket rate limiting for control plane endpoints.
type CPRateLimiter struct {
	limit    rate.Limit
	burst    int
	visitors *expirable.LRU[string, *rate.Limiter]
}

// NewCPRateLimiter allows limit requests per window per IP, with bursts of up to burst.
func NewCPRateLimiter(limit int, window time.Duration, burst int) *CPRateLimiter {
	if limit <= 0 {
		limit = defaultCPRateLimit
	}
	if window <= 0 {
		window = defaultCPRateWindow
	}
	if burst <= 0 {
		burst = limit
	}
	return &CPRateLimiter{
		limit:    rate.Every(window / time.Duration(limit)),
		burst:    burst,
		visitors: expirable.NewLRU[string, *rate.Limiter](limiterCapacity, nil, limiterIdleTTL),
	}
}

func (rl *CPRateLimiter) limiter(ip string) *rate.Limiter {
	if l, ok := rl.visitors.Get(ip); ok {
		return l
	}
	l := rate.NewLimiter(rl.limit, rl.burst)
	rl.visitors.Add(ip, l)
	return l
}

// Allow checks whether the given IP is within the rate limit.
func (rl *CPRateLimiter) Allow(ip string) bool {
	return rl.limiter(ip).Allow()
}

// Middleware wraps an http.Handler with rate limiting.
func (rl *CPRateLimiter) Middleware(next http.Handler) http.Handler {
	return rl.MiddlewareExcept(nil, next)
}

// MiddlewareExcept rate limits every request for which exempt returns false.
// A nil exempt limits everything.
func (rl *CPRateLimiter) MiddlewareExcept(exempt func(*http.Request) bool, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if exempt != nil && exempt(r) {
			next.ServeHTTP(w, r)
			return
		}
		l := rl.limiter(auditlog.ClientIP(r))
		res := l.Reserve()
		if delay := res.Delay(); delay > 0 {
			res.Cancel()
			w.Header().Set("Retry-After", strconv.Itoa(int(delay/time.Second)+1))
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
