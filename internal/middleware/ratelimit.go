package middleware

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ukydev/control-room/internal/metrics"
)

// RateLimitMiddleware limits requests per client IP with a token bucket.
type RateLimitMiddleware struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	rate     rate.Limit
	burst    int
	now      func() time.Time
}

type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// NewRateLimitMiddleware allows maxRequests per window and IP, refilled
// evenly over the window.
func NewRateLimitMiddleware(maxRequests int, window time.Duration) *RateLimitMiddleware {
	if maxRequests < 1 {
		maxRequests = 1
	}
	return &RateLimitMiddleware{
		limiters: make(map[string]*limiterEntry),
		rate:     rate.Every(window / time.Duration(maxRequests)),
		burst:    maxRequests,
		now:      time.Now,
	}
}

// Allow reports whether a request from ip may proceed.
func (m *RateLimitMiddleware) Allow(ip string) bool {
	m.mu.Lock()
	entry, ok := m.limiters[ip]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(m.rate, m.burst)}
		m.limiters[ip] = entry
	}
	entry.lastAccess = m.now()
	limiter := entry.limiter
	m.mu.Unlock()

	return limiter.AllowN(m.now(), 1)
}

// RateLimit rejects requests over the limit with 429.
func (m *RateLimitMiddleware) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.Allow(getClientIP(r)) {
			metrics.RateLimited.Inc()
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "Rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Cleanup forgets clients idle for longer than maxIdle.
func (m *RateLimitMiddleware) Cleanup(maxIdle time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	threshold := m.now().Add(-maxIdle)
	removed := 0
	for ip, entry := range m.limiters {
		if entry.lastAccess.Before(threshold) {
			delete(m.limiters, ip)
			removed++
		}
	}
	return removed
}

// RunCleanup calls Cleanup every interval until ctx is done.
func (m *RateLimitMiddleware) RunCleanup(ctx context.Context, interval, maxIdle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Cleanup(maxIdle)
		case <-ctx.Done():
			return
		}
	}
}

// getClientIP returns the host part of RemoteAddr. Forwarding headers are
// only honoured through chimw.RealIP, which the router runs first.
func getClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
