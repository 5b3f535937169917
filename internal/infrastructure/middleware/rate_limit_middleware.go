package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/Parr-Marketing/Dicksword/pkg/config"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// ipLimiters hands out one token bucket per caller IP. Entries idle past
// the stale window are evicted on the next sweep so the map does not grow
// with every address that ever connected.
type ipLimiters struct {
	mu        sync.Mutex
	entries   map[string]*ipEntry
	rate      rate.Limit
	burst     int
	stale     time.Duration
	lastSweep time.Time
}

type ipEntry struct {
	limiter *rate.Limiter
	seen    time.Time
}

func newIPLimiters(r rate.Limit, burst int) *ipLimiters {
	return &ipLimiters{
		entries: make(map[string]*ipEntry),
		rate:    r,
		burst:   burst,
		stale:   10 * time.Minute,
	}
}

func (l *ipLimiters) get(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Sub(l.lastSweep) > l.stale {
		for key, e := range l.entries {
			if now.Sub(e.seen) > l.stale {
				delete(l.entries, key)
			}
		}
		l.lastSweep = now
	}

	e, ok := l.entries[ip]
	if !ok {
		e = &ipEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.entries[ip] = e
	}
	e.seen = now
	return e.limiter
}

// callerIP prefers the proxy-provided address when it parses, falling back
// to the transport peer.
func callerIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := net.ParseIP(xff); ip != nil {
			return ip.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RateLimit throttles the HTTP API per caller IP, with an optional cap on
// in-flight requests across all callers. The websocket path has its own
// per-connection message limiter; this only guards the REST surface.
func RateLimit(cfg *config.Config) gin.HandlerFunc {
	if !cfg.RateLimiting.Enabled {
		return func(c *gin.Context) { c.Next() }
	}

	limiters := newIPLimiters(
		rate.Limit(cfg.RateLimiting.HTTP.RequestsPerSecond),
		cfg.RateLimiting.HTTP.Burst,
	)

	var inflight chan struct{}
	if cfg.RateLimiting.HTTP.MaxConcurrent > 0 {
		inflight = make(chan struct{}, cfg.RateLimiting.HTTP.MaxConcurrent)
	}

	return func(c *gin.Context) {
		if inflight != nil {
			select {
			case inflight <- struct{}{}:
				defer func() { <-inflight }()
			default:
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
					"error": "too many concurrent requests",
				})
				return
			}
		}

		if !limiters.get(callerIP(c.Request)).Allow() {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
