package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

type window struct {
	hits    int
	resetAt time.Time
}

type windowLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	seen   map[string]*window
}

func (l *windowLimiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.seen[key]
	if w == nil || now.After(w.resetAt) {
		l.prune(now)
		w = &window{resetAt: now.Add(l.window)}
		l.seen[key] = w
	}
	if w.hits >= l.limit {
		return false
	}
	w.hits++
	return true
}

// prune drops expired windows so the map does not grow with every client
// ever seen. Caller holds mu.
func (l *windowLimiter) prune(now time.Time) {
	for key, w := range l.seen {
		if now.After(w.resetAt) {
			delete(l.seen, key)
		}
	}
}

// RateLimit caps requests per client IP inside a fixed window, answering
// 429 on excess. Intended for the webhook route, where a misconfigured shop
// integration can redeliver in a tight loop.
func RateLimit(limit int, per time.Duration) func(http.Handler) http.Handler {
	l := &windowLimiter{limit: limit, window: per, seen: make(map[string]*window)}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.allow(clientIP(r), time.Now()) {
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		for _, part := range strings.Split(fwd, ",") {
			candidate := strings.TrimSpace(part)
			if net.ParseIP(candidate) != nil {
				return candidate
			}
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && net.ParseIP(host) != nil {
		return host
	}
	return r.RemoteAddr
}
