// Package ratelimit provides per-client HTTP rate limiting on top of
// golang.org/x/time/rate token buckets.
package ratelimit

import (
	"net/http"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

// idleTTL is how long an idle client keeps its bucket.
const idleTTL = 10 * time.Minute

// Limiter enforces a per-client request rate. Client buckets live in an
// expirable LRU so the key space stays bounded under IP churn.
type Limiter struct {
	mu      sync.Mutex
	clients *lru.LRU[string, *rate.Limiter]
	rps     rate.Limit
	burst   int
	counter prometheus.Counter // optional: incremented on each 429
}

// New creates a limiter allowing rps requests per second with the given
// burst per client.
func New(rps float64, burst int, opts ...Option) *Limiter {
	l := &Limiter{
		clients: lru.NewLRU[string, *rate.Limiter](100000, nil, idleTTL),
		rps:     rate.Limit(rps),
		burst:   burst,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithCounter sets a Prometheus counter that is incremented on each 429.
func WithCounter(c prometheus.Counter) Option {
	return func(l *Limiter) {
		l.counter = c
	}
}

// Middleware returns an http.Handler middleware that enforces rate limits per
// client IP (using X-Real-IP or RemoteAddr).
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := r.Header.Get("X-Real-IP")
		if ip == "" {
			ip = r.RemoteAddr
		}
		if !l.allow(ip) {
			if l.counter != nil {
				l.counter.Inc()
			}
			w.Header().Set("Retry-After", "1")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *Limiter) allow(key string) bool {
	l.mu.Lock()
	lim, ok := l.clients.Get(key)
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.clients.Add(key, lim)
	}
	l.mu.Unlock()
	return lim.Allow()
}
