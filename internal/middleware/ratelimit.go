package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"
)

// RateLimiter throttles requests per client with a token bucket. As
// Middleware, device requests are keyed by the API key they authenticated
// with and anything else by client address. As FailureGuard, buckets are
// keyed by client address and only rejected credentials spend tokens.
type RateLimiter struct {
	mu       sync.Mutex
	rps      rate.Limit
	burst    int
	ttl      time.Duration
	clients  map[string]*rate.Limiter
	lastSeen map[string]time.Time
	now      func() time.Time
}

// NewRateLimiter returns nil, meaning no limit, when either argument is not positive.
func NewRateLimiter(requestsPerSec float64, burst int) *RateLimiter {
	if requestsPerSec <= 0 || burst <= 0 {
		return nil
	}
	return &RateLimiter{
		rps:      rate.Limit(requestsPerSec),
		burst:    burst,
		ttl:      10 * time.Minute,
		clients:  make(map[string]*rate.Limiter),
		lastSeen: make(map[string]time.Time),
		now:      time.Now,
	}
}

// Middleware rejects requests over the limit with 429. A nil RateLimiter
// passes every request through.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	if l == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(clientKey(r)) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// FailureGuard runs before authentication. Every 401 answered to a client
// address spends a token, and an address without tokens gets 429 before
// its credentials are checked. A nil RateLimiter passes every request
// through.
func (l *RateLimiter) FailureGuard(next http.Handler) http.Handler {
	if l == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := "fail:" + addrKey(r)
		if !l.ready(key) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "too many failed attempts")
			return
		}
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		if ww.Status() == http.StatusUnauthorized {
			l.allow(key)
		}
	})
}

func (l *RateLimiter) allow(clientID string) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limiter(clientID, now).AllowN(now, 1)
}

// ready reports whether clientID has a token left without spending it.
func (l *RateLimiter) ready(clientID string) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limiter(clientID, now).TokensAt(now) >= 1
}

// limiter returns the bucket of clientID and forgets idle clients.
// Callers hold l.mu.
func (l *RateLimiter) limiter(clientID string, now time.Time) *rate.Limiter {
	if clientID == "" {
		clientID = "unknown"
	}
	limiter, exists := l.clients[clientID]
	if !exists {
		limiter = rate.NewLimiter(l.rps, l.burst)
		l.clients[clientID] = limiter
	}
	l.lastSeen[clientID] = now

	for key, seenAt := range l.lastSeen {
		if now.Sub(seenAt) > l.ttl {
			delete(l.lastSeen, key)
			delete(l.clients, key)
		}
	}
	return limiter
}

func clientKey(r *http.Request) string {
	if p, ok := GetPrincipalFromContext(r.Context()); ok {
		return "key:" + p.AccountID + ":" + strconv.FormatInt(p.KeyGeneration, 10)
	}
	return addrKey(r)
}

func addrKey(r *http.Request) string {
	forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return "ip:" + strings.TrimSpace(first)
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return "ip:" + realIP
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return "ip:" + host
	}
	return "ip:" + strings.TrimSpace(r.RemoteAddr)
}
