package dashboard

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// authContextKey flags a request as authenticated; the dashboard has one
// operator token rather than the gateway's per-client key registry, so
// there is nothing further to stash in context.
type authContextKey struct{}

// authMiddleware checks a single bearer token against every request,
// adapted from gateway.AuthMiddleware's constant-time comparison but
// collapsed to one token since the dashboard has no per-caller identity
// to distinguish.
type authMiddleware struct {
	token string
}

func newAuthMiddleware(token string) *authMiddleware {
	return &authMiddleware{token: token}
}

func (m *authMiddleware) wrap(next http.Handler) http.Handler {
	if m.token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		got := extractToken(r)
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(m.token)) != 1 {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), authContextKey{}, true)))
	})
}

func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("api_key")
}

// corsMiddleware mirrors gateway.NewCORSMiddleware: when allowOrigins is
// empty, cross-origin requests are simply not granted the header rather
// than rejected, matching same-origin browser defaults.
func newCORSMiddleware(allowOrigins []string) func(http.Handler) http.Handler {
	allowAll := false
	origins := make(map[string]bool, len(allowOrigins))
	for _, o := range allowOrigins {
		if o == "*" {
			allowAll = true
		}
		origins[o] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (allowAll || origins[origin]) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Max-Age", "3600")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// tokenBucket is the same lazily-refilled float-token limiter as
// internal/gateway/ratelimit.go and internal/chat/ratelimit.go; this is
// its third independent home in the module, one per surface that needs
// its own bucket keyspace.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	max        float64
	refillRate float64
	last       time.Time
}

func newTokenBucket(perMinute, burst int) *tokenBucket {
	return &tokenBucket{
		tokens:     float64(burst),
		max:        float64(burst),
		refillRate: float64(perMinute) / 60.0,
		last:       time.Now(),
	}
}

func (b *tokenBucket) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	b.tokens += now.Sub(b.last).Seconds() * b.refillRate
	if b.tokens > b.max {
		b.tokens = b.max
	}
	b.last = now
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// rateLimitMiddleware rate-limits by caller token (falling back to remote
// address), matching gateway.RateLimitMiddleware's per-key bucketing.
type rateLimitMiddleware struct {
	perMinute, burst int
	mu               sync.Mutex
	buckets          map[string]*tokenBucket
}

func newRateLimitMiddleware(perMinute, burst int) *rateLimitMiddleware {
	return &rateLimitMiddleware{perMinute: perMinute, burst: burst, buckets: make(map[string]*tokenBucket)}
}

func (rl *rateLimitMiddleware) wrap(next http.Handler) http.Handler {
	if rl.perMinute <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		key := extractToken(r)
		if key == "" {
			key = r.RemoteAddr
		}
		if !rl.bucketFor(key).allow() {
			w.Header().Set("Retry-After", "1")
			http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *rateLimitMiddleware) bucketFor(key string) *tokenBucket {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	b, ok := rl.buckets[key]
	if !ok {
		b = newTokenBucket(rl.perMinute, rl.burst)
		rl.buckets[key] = b
	}
	return b
}

func writeJSONError(w http.ResponseWriter, status int, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":%q}`, fmt.Sprintf(format, args...))
}
