package middleware

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	sweepInterval = 10 * time.Minute
	staleAfter    = 30 * time.Minute
)

const tooManyRequests = `{"title":"Too Many Requests","status":429,"detail":"rate limit exceeded"}`

// clientLimits hands out one token bucket per client host.
type clientLimits struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	*rate.Limiter
	seen time.Time
}

func (c *clientLimits) allow(host string, now time.Time) bool {
	c.mu.Lock()
	b, ok := c.buckets[host]
	if !ok {
		b = &bucket{Limiter: rate.NewLimiter(c.limit, c.burst)}
		c.buckets[host] = b
	}
	b.seen = now
	c.mu.Unlock()
	return b.AllowN(now, 1)
}

func (c *clientLimits) sweep(cutoff time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for host, b := range c.buckets {
		if b.seen.Before(cutoff) {
			delete(c.buckets, host)
		}
	}
}

// RateLimitByIP limits each client host to requestsPerSecond with the given
// burst. Mount it after chi's RealIP. Idle buckets are dropped until ctx is
// done. requestsPerSecond <= 0 disables limiting.
func RateLimitByIP(ctx context.Context, requestsPerSecond float64, burst int) func(http.Handler) http.Handler {
	if requestsPerSecond <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}

	limits := &clientLimits{
		limit:   rate.Limit(requestsPerSecond),
		burst:   max(burst, 1),
		buckets: make(map[string]*bucket),
	}

	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case now := <-ticker.C:
				limits.sweep(now.Add(-staleAfter))
			case <-ctx.Done():
				return
			}
		}
	}()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limits.allow(clientHost(r.RemoteAddr), time.Now()) {
				w.Header().Set("Content-Type", "application/problem+json")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(tooManyRequests))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientHost drops the port net/http keeps in RemoteAddr.
func clientHost(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}
