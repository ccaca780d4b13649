package api

import (
	"net"
	"net/http"
	"sync"
	"time"

	"X402-Agent/internal/auth"

	"golang.org/x/time/rate"
)

// clientLimiter 为每个调用方维护一个令牌桶。调用方优先按认证主体区分，
// 未认证时按远端地址区分。
type clientLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*limiterEntry
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newClientLimiter 在 rps 不为正时返回不限流的实例。
func newClientLimiter(rps float64, burst int) *clientLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &clientLimiter{
		limit:    rate.Limit(rps),
		burst:    burst,
		limiters: make(map[string]*limiterEntry),
	}
}

func (c *clientLimiter) enabled() bool {
	return c != nil && c.limit > 0
}

func (c *clientLimiter) get(key string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.limiters[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(c.limit, c.burst)}
		c.limiters[key] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter
}

// Allow 报告 key 当前是否还有配额。
func (c *clientLimiter) Allow(key string) bool {
	if !c.enabled() {
		return true
	}
	return c.get(key).Allow()
}

// Cleanup 删除超过 idle 未使用的限流器。
func (c *clientLimiter) Cleanup(idle time.Duration) {
	if !c.enabled() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := time.Now().Add(-idle)
	for key, entry := range c.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(c.limiters, key)
		}
	}
}

// Middleware 超出配额时返回 429。
func (c *clientLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !c.Allow(clientKey(r)) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "Too many requests", "")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	if id := auth.SubjectID(r.Context()); id != "" {
		return "subject:" + id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}
