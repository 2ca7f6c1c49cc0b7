package server

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterSweepSize = 1024

type clientLimiter struct {
	limiter *rate.Limiter
	last    time.Time
}

// rateLimiter keeps a token bucket per client address and forgets clients
// idle for longer than ttl.
type rateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientLimiter
	limit   rate.Limit
	burst   int
	ttl     time.Duration
	now     func() time.Time
}

func newRateLimiter(perSecond float64, burst int, ttl time.Duration) *rateLimiter {
	return &rateLimiter{
		clients: make(map[string]*clientLimiter),
		limit:   rate.Limit(perSecond),
		burst:   burst,
		ttl:     ttl,
		now:     time.Now,
	}
}

func (r *rateLimiter) Allow(key string) bool {
	if key == "" {
		return false
	}
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.clients) >= limiterSweepSize {
		r.sweepLocked(now)
	}
	c := r.clients[key]
	if c != nil && now.Sub(c.last) > r.ttl {
		c = nil
	}
	if c == nil {
		c = &clientLimiter{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.clients[key] = c
	}
	c.last = now
	return c.limiter.AllowN(now, 1)
}

func (r *rateLimiter) sweepLocked(now time.Time) {
	for key, c := range r.clients {
		if now.Sub(c.last) > r.ttl {
			delete(r.clients, key)
		}
	}
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
