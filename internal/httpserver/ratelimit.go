package httpserver

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/al-bashkir/opsdash-auth/internal/logsanitize"
)

const (
	limiterIdleTTL = 5 * time.Minute
	limiterMaxSize = 10000
)

// bucket is one client's token bucket.
type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// clientLimiter keeps a token bucket per client address. Buckets idle for
// limiterIdleTTL are swept every minute; at limiterMaxSize the least
// recently seen bucket is dropped to make room.
type clientLimiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*bucket

	done chan struct{}
	once sync.Once
}

func newClientLimiter(limit rate.Limit, burst int) *clientLimiter {
	c := &clientLimiter{
		limit:   limit,
		burst:   burst,
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Stop ends the sweep goroutine.
func (c *clientLimiter) Stop() {
	c.once.Do(func() { close(c.done) })
}

// allow spends one token from addr's bucket.
func (c *clientLimiter) allow(addr string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.buckets[addr]
	if !ok {
		if len(c.buckets) >= limiterMaxSize {
			c.dropLRU()
		}
		b = &bucket{lim: rate.NewLimiter(c.limit, c.burst)}
		c.buckets[addr] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1)
}

func (c *clientLimiter) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buckets)
}

func (c *clientLimiter) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			c.sweep(now)
		case <-c.done:
			return
		}
	}
}

// sweep drops buckets not seen within limiterIdleTTL of now.
func (c *clientLimiter) sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for addr, b := range c.buckets {
		if now.Sub(b.seen) > limiterIdleTTL {
			delete(c.buckets, addr)
		}
	}
}

// dropLRU removes the least recently seen bucket. Must be called with mu held.
func (c *clientLimiter) dropLRU() {
	var victim string
	var oldest time.Time
	for addr, b := range c.buckets {
		if victim == "" || b.seen.Before(oldest) {
			victim, oldest = addr, b.seen
		}
	}
	delete(c.buckets, victim)
}

// wrap answers 429 once the caller's address runs out of tokens.
func (c *clientLimiter) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := extractIP(r)
		if !c.allow(ip, time.Now()) {
			slog.Warn("rate limit exceeded", // #nosec G706 -- values sanitized via logsanitize
				"ip", logsanitize.Sanitize(ip),
				"path", logsanitize.Sanitize(r.URL.Path),
			)
			w.Header().Set("Retry-After", "1")
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// extractIP extracts the client IP from the request.
// Only uses RemoteAddr to prevent spoofing via X-Forwarded-For.
func extractIP(r *http.Request) string {
	ip, _, _ := net.SplitHostPort(r.RemoteAddr)
	return ip
}
