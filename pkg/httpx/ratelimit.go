package httpx

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/aussiebroadwan/sessionkit/pkg/slogx"
)

// RateLimitConfig defines the rate limiting parameters.
type RateLimitConfig struct {
	// RequestsPerWindow is the number of requests allowed in Window.
	RequestsPerWindow int `envconfig:"REQUESTS"`

	// Window is the time window for rate limiting.
	Window time.Duration `envconfig:"WINDOW"`

	// Burst allows for temporary bursts above the rate limit.
	Burst int `envconfig:"BURST"`
}

var (
	// LoginLimit guards the agent's login endpoint from brute force.
	LoginLimit = RateLimitConfig{RequestsPerWindow: 5, Window: time.Minute, Burst: 5}

	// ProxyLimit guards requests proxied to the upstream API.
	ProxyLimit = RateLimitConfig{RequestsPerWindow: 300, Window: time.Minute, Burst: 60}
)

func (c RateLimitConfig) limit() rate.Limit {
	if c.RequestsPerWindow <= 0 || c.Window <= 0 {
		return rate.Inf
	}
	return rate.Limit(float64(c.RequestsPerWindow) / c.Window.Seconds())
}

// KeyExtractor picks the bucket a request is counted against. An empty key
// means the request is not limited.
type KeyExtractor func(*http.Request) string

// IPKeyExtractor extracts the client IP address from the request.
// It handles X-Forwarded-For and X-Real-IP headers for proxied requests.
func IPKeyExtractor(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// UserIDKeyExtractor returns the user the guard let through, or "".
func UserIDKeyExtractor(r *http.Request) string {
	id, _ := UserIDFromContext(r.Context())
	return id
}

// CompositeKeyExtractor joins the non-empty keys of extractors with sep.
func CompositeKeyExtractor(sep string, extractors ...KeyExtractor) KeyExtractor {
	return func(r *http.Request) string {
		parts := make([]string, 0, len(extractors))
		for _, extract := range extractors {
			if key := extract(r); key != "" {
				parts = append(parts, key)
			}
		}
		return strings.Join(parts, sep)
	}
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// buckets holds one limiter per key. Idle buckets are swept on insert.
type buckets struct {
	mu        sync.Mutex
	entries   map[string]*bucket
	limit     rate.Limit
	burst     int
	idle      time.Duration
	lastSweep time.Time
}

func (b *buckets) get(key string, now time.Time) *rate.Limiter {
	b.mu.Lock()
	defer b.mu.Unlock()

	if e, ok := b.entries[key]; ok {
		e.lastSeen = now
		return e.limiter
	}

	if now.Sub(b.lastSweep) >= b.idle {
		for k, e := range b.entries {
			if now.Sub(e.lastSeen) >= b.idle {
				delete(b.entries, k)
			}
		}
		b.lastSweep = now
	}

	e := &bucket{limiter: rate.NewLimiter(b.limit, b.burst), lastSeen: now}
	b.entries[key] = e
	return e.limiter
}

// RateLimitMiddleware answers 429 with Retry-After once a key exceeds
// config.
func RateLimitMiddleware(config RateLimitConfig, keyExtractor KeyExtractor) Middleware {
	burst := max(config.Burst, 1)
	b := &buckets{
		entries:   make(map[string]*bucket),
		limit:     config.limit(),
		burst:     burst,
		idle:      max(config.Window, time.Minute) * 5,
		lastSweep: time.Now(),
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyExtractor(r)
			if key == "" {
				slogx.FromContext(r.Context()).Warn("rate limit: no key for request, allowing")
				next.ServeHTTP(w, r)
				return
			}

			now := time.Now()
			limiter := b.get(key, now)
			if limiter.AllowN(now, 1) {
				next.ServeHTTP(w, r)
				return
			}

			res := limiter.ReserveN(now, 1)
			delay := res.DelayFrom(now)
			res.CancelAt(now)
			retryAfter := max(int(math.Ceil(delay.Seconds())), 1)

			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(config.RequestsPerWindow))
			w.Header().Set("X-RateLimit-Window", config.Window.String())

			slogx.FromContext(r.Context()).Warn("rate limit exceeded",
				"key", key,
				"path", r.URL.Path,
				"retry_after", retryAfter,
			)
			WriteError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "Too many requests. Please try again later.")
		})
	}
}

// RateLimitByIP limits by client IP.
func RateLimitByIP(config RateLimitConfig) Middleware {
	return RateLimitMiddleware(config, IPKeyExtractor)
}

// RateLimitByUser limits by guarded user, falling back to the client IP.
func RateLimitByUser(config RateLimitConfig) Middleware {
	return RateLimitMiddleware(config, func(r *http.Request) string {
		if id := UserIDKeyExtractor(r); id != "" {
			return "user:" + id
		}
		return IPKeyExtractor(r)
	})
}
