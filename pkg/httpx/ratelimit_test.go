package httpx_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aussiebroadwan/sessionkit/pkg/httpx"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func serveFrom(h http.Handler, remote string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/session/login", nil)
	req.RemoteAddr = remote
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestIPKeyExtractor(t *testing.T) {
	t.Run("extracts from RemoteAddr", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "192.168.1.1:12345"
		require.Equal(t, "192.168.1.1", httpx.IPKeyExtractor(req))
	})

	t.Run("prefers X-Forwarded-For", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "192.168.1.1:12345"
		req.Header.Set("X-Forwarded-For", "203.0.113.1, 192.168.1.1")
		require.Equal(t, "203.0.113.1", httpx.IPKeyExtractor(req))
	})

	t.Run("uses X-Real-IP if X-Forwarded-For absent", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "192.168.1.1:12345"
		req.Header.Set("X-Real-IP", "203.0.113.2")
		require.Equal(t, "203.0.113.2", httpx.IPKeyExtractor(req))
	})
}

func TestCompositeKeyExtractor(t *testing.T) {
	fixed := func(v string) httpx.KeyExtractor {
		return func(*http.Request) string { return v }
	}
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	require.Equal(t, "a:b", httpx.CompositeKeyExtractor(":", fixed("a"), fixed("b"))(req))
	require.Equal(t, "b", httpx.CompositeKeyExtractor(":", fixed(""), fixed("b"))(req))
}

func TestRateLimitMiddleware(t *testing.T) {
	t.Run("blocks requests over limit", func(t *testing.T) {
		h := httpx.RateLimitByIP(httpx.RateLimitConfig{
			RequestsPerWindow: 3,
			Window:            time.Minute,
			Burst:             3,
		})(okHandler())

		for i := range 3 {
			rec := serveFrom(h, "192.168.1.1:12345")
			require.Equal(t, http.StatusOK, rec.Code, "request %d should succeed", i+1)
		}

		rec := serveFrom(h, "192.168.1.1:12345")
		require.Equal(t, http.StatusTooManyRequests, rec.Code)
		require.NotEmpty(t, rec.Header().Get("Retry-After"))
		require.Equal(t, "3", rec.Header().Get("X-RateLimit-Limit"))
		require.Contains(t, rec.Body.String(), "rate_limit_exceeded")
	})

	t.Run("different keys are tracked separately", func(t *testing.T) {
		h := httpx.RateLimitByIP(httpx.RateLimitConfig{
			RequestsPerWindow: 1,
			Window:            time.Minute,
			Burst:             1,
		})(okHandler())

		require.Equal(t, http.StatusOK, serveFrom(h, "192.168.1.1:1").Code)
		require.Equal(t, http.StatusTooManyRequests, serveFrom(h, "192.168.1.1:2").Code)
		require.Equal(t, http.StatusOK, serveFrom(h, "192.168.1.2:1").Code)
	})

	t.Run("empty key is not limited", func(t *testing.T) {
		h := httpx.RateLimitMiddleware(
			httpx.RateLimitConfig{RequestsPerWindow: 1, Window: time.Minute, Burst: 1},
			func(*http.Request) string { return "" },
		)(okHandler())

		for range 5 {
			require.Equal(t, http.StatusOK, serveFrom(h, "192.168.1.1:1").Code)
		}
	})

	t.Run("zero config never limits", func(t *testing.T) {
		h := httpx.RateLimitByIP(httpx.RateLimitConfig{})(okHandler())
		for range 20 {
			require.Equal(t, http.StatusOK, serveFrom(h, "192.168.1.1:1").Code)
		}
	})
}
