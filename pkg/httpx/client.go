package httpx

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/aussiebroadwan/sessionkit/pkg/metricsx"
	"github.com/aussiebroadwan/sessionkit/pkg/slogx"
)

// DefaultTimeout bounds every outbound call.
const DefaultTimeout = 30 * time.Second

// ClientOption configures the shared resty client.
type ClientOption func(*resty.Client)

// NewClient builds the resty client every outbound call of the module goes
// through. Resty's own retry is left off; retries belong to the gateway.
func NewClient(opts ...ClientOption) *resty.Client {
	c := resty.New().
		SetTimeout(DefaultTimeout).
		SetHeader("Accept", "application/json")

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithBaseURL resolves relative request paths against url.
func WithBaseURL(url string) ClientOption {
	return func(c *resty.Client) {
		c.SetBaseURL(strings.TrimSuffix(url, "/"))
	}
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *resty.Client) {
		if d > 0 {
			c.SetTimeout(d)
		}
	}
}

// WithTransport replaces the underlying round tripper, e.g. with a test
// server's client transport.
func WithTransport(rt http.RoundTripper) ClientOption {
	return func(c *resty.Client) {
		c.SetTransport(rt)
	}
}

// WithLogger logs every call through slogx.Transport. Apply it after
// WithTransport so it wraps the final round tripper.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *resty.Client) {
		c.SetTransport(slogx.Transport(c.GetClient().Transport, logger))
	}
}

// WithMetrics records every response, and every transport failure as code
// -1, on m.
func WithMetrics(m *metricsx.Metrics) ClientOption {
	return func(c *resty.Client) {
		c.OnAfterResponse(func(_ *resty.Client, resp *resty.Response) error {
			m.RecordRequest(resp.Request.Method, resp.StatusCode(), resp.Time())
			return nil
		})
		c.OnError(func(req *resty.Request, _ error) {
			m.RecordRequest(req.Method, -1, time.Since(req.Time))
		})
	}
}

// WithHeader sets a header on every request.
func WithHeader(key, value string) ClientOption {
	return func(c *resty.Client) {
		c.SetHeader(key, value)
	}
}
