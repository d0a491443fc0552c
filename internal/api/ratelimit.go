package api

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"
)

// ipLimiter is a token bucket per client IP.
type ipLimiter struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucket
	rate    float64 // tokens per second
	burst   float64
	now     func() time.Time
}

type tokenBucket struct {
	tokens   float64
	refilled time.Time
	seen     time.Time
}

func newIPLimiter(requestsPerSecond float64, burst int) *ipLimiter {
	return &ipLimiter{
		buckets: make(map[string]*tokenBucket),
		rate:    requestsPerSecond,
		burst:   float64(burst),
		now:     time.Now,
	}
}

func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[ip]
	if !ok {
		b = &tokenBucket{tokens: l.burst, refilled: now}
		l.buckets[ip] = b
	}

	b.tokens = min(l.burst, b.tokens+now.Sub(b.refilled).Seconds()*l.rate)
	b.refilled = now
	b.seen = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// sweep forgets clients idle for longer than maxAge.
func (l *ipLimiter) sweep(maxAge time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-maxAge)
	n := 0
	for ip, b := range l.buckets {
		if b.seen.Before(cutoff) {
			delete(l.buckets, ip)
			n++
		}
	}
	return n
}

func (l *ipLimiter) runSweeper(ctx context.Context, every, maxAge time.Duration) {
	go func() {
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				l.sweep(maxAge)
			}
		}
	}()
}

// limitByIP rejects requests from clients that ran out of tokens.
// RemoteAddr has already been rewritten by chi's RealIP middleware.
func limitByIP(l *ipLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}
			if !l.allow(ip) {
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
