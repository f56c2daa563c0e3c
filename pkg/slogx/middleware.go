package slogx

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/aussiebroadwan/sessionkit/pkg/idx"
)

// RequestIDHeader carries the correlation ID across process boundaries.
const RequestIDHeader = "X-Request-ID"

// HTTPMiddleware logs requests and attaches a contextual logger into request context.
func HTTPMiddleware(base *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}

			reqID := r.Header.Get(RequestIDHeader)
			if reqID == "" {
				reqID = idx.NewRequest().String()
			}

			logger := base.With(
				"req_id", reqID,
				"method", r.Method,
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
			)

			ctx := WithContext(r.Context(), logger)
			r = r.WithContext(ctx)

			next.ServeHTTP(rw, r)

			logger.Info("http_request",
				"status", rw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"user_agent", r.UserAgent(),
			)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter

	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Transport wraps an outbound RoundTripper. Each call gets a request ID
// (kept if the caller already set one) and one log line: info for answers
// below 500, warn for 5xx, error for transport failures. The contextual
// logger of the request context is preferred over base.
func Transport(next http.RoundTripper, base *slog.Logger) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return &transport{next: next, base: base}
}

type transport struct {
	next http.RoundTripper
	base *slog.Logger
}

func (t *transport) RoundTrip(r *http.Request) (*http.Response, error) {
	start := time.Now()

	reqID := r.Header.Get(RequestIDHeader)
	if reqID == "" {
		reqID = idx.NewRequest().String()
		r = r.Clone(r.Context())
		r.Header.Set(RequestIDHeader, reqID)
	}

	logger := t.base
	if l, ok := r.Context().Value(ctxKey{}).(*slog.Logger); ok {
		logger = l
	}
	logger = logger.With(
		"req_id", reqID,
		"method", r.Method,
		"url", r.URL.Redacted(),
	)

	resp, err := t.next.RoundTrip(r)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		logger.Error("http_call_failed", "duration_ms", elapsed, "err", err)
		return nil, err
	}

	level := slog.LevelInfo
	if resp.StatusCode >= http.StatusInternalServerError {
		level = slog.LevelWarn
	}
	logger.Log(r.Context(), level, "http_call",
		"status", resp.StatusCode,
		"duration_ms", elapsed,
	)
	return resp, nil
}
