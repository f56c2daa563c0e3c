// Package gateway sends authenticated requests to the upstream API. It
// attaches the current bearer token, renews the session once when the
// server answers 401, retries transient failures with exponential backoff
// and maps every other answer onto the authsdk error taxonomy.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"

	"github.com/aussiebroadwan/sessionkit/pkg/authsdk"
	"github.com/aussiebroadwan/sessionkit/pkg/clock"
	"github.com/aussiebroadwan/sessionkit/pkg/metricsx"
	"github.com/aussiebroadwan/sessionkit/pkg/tokenstore"
)

const (
	DefaultBaseDelay  = time.Second
	DefaultMaxRetries = 3
)

// Refresher renews the session and returns the new access token. Concurrent
// callers must share one renewal.
type Refresher interface {
	Refresh(ctx context.Context) (string, error)
}

// Request is one call to the upstream API. Body is sent as JSON unless it
// is a []byte or string, and must be replayable: it is re-sent on retry.
type Request struct {
	Method string
	URL    string
	Params url.Values
	Body   any
	Header http.Header
}

// key identifies identical calls for the shared retry budget.
func (r Request) key() string {
	k := r.Method + " " + r.URL
	if len(r.Params) > 0 {
		k += "?" + r.Params.Encode()
	}
	return k
}

// Response is a successful (2xx or 3xx) answer.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// JSON decodes the body into v.
func (r *Response) JSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Config tunes retries. Zero values select the defaults.
type Config struct {
	BaseDelay  time.Duration
	MaxRetries int

	// Timers runs the waits between retries. Nil uses the system clock.
	Timers clock.Scheduler
}

// Gateway is safe for concurrent use.
type Gateway struct {
	client    *resty.Client
	tokens    tokenstore.Reader
	refresher Refresher
	logger    *slog.Logger
	metrics   *metricsx.Metrics
	budgets   *budgets
	timers    clock.Scheduler
}

// New returns a Gateway sending through client, reading tokens from tokens
// and renewing through refresher. metrics may be nil.
func New(
	client *resty.Client,
	tokens tokenstore.Reader,
	refresher Refresher,
	cfg Config,
	logger *slog.Logger,
	metrics *metricsx.Metrics,
) *Gateway {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		client:    client,
		tokens:    tokens,
		refresher: refresher,
		logger:    logger,
		metrics:   metrics,
		budgets:   newBudgets(cfg.BaseDelay, cfg.MaxRetries),
		timers:    cfg.Timers,
	}
}

// Send performs req. Transient failures (transport errors, timeouts, 5xx)
// are retried with delays of base, 2*base, 4*base... drawn from a budget
// shared by every concurrent call with the same method, URL and params.
//
// Errors:
//   - *authsdk.AuthenticationError when the request is still 401 after a
//     renewal, or no session exists. A call renews at most once, even
//     when a transient failure sits between the renewal and the next 401.
//   - *authsdk.RefreshFailedError when the renewal failed
//   - *authsdk.AccessDeniedError on 403
//   - *authsdk.NetworkError once the retry budget is spent
//   - *authsdk.HTTPError on any other 4xx
func (g *Gateway) Send(ctx context.Context, req Request) (*Response, error) {
	key := req.key()
	b := g.budgets.acquire(key)

	var renewed bool
	op := func() (*Response, error) {
		resp, err := g.attempt(ctx, req, &renewed)
		if err == nil {
			return resp, nil
		}
		var permanent *backoff.PermanentError
		if !errors.As(err, &permanent) && !authsdk.IsTransient(err) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	notify := func(err error, d time.Duration) {
		g.metrics.RecordRetry(req.Method)
		g.logger.Warn("gateway retry scheduled",
			"method", req.Method,
			"url", req.URL,
			"delay_ms", d.Milliseconds(),
			"err", err,
		)
	}

	var timer backoff.Timer
	if g.timers != nil {
		timer = &schedulerTimer{sched: g.timers}
	}

	resp, err := backoff.RetryNotifyWithTimerAndData(op, backoff.WithContext(b, ctx), notify, timer)
	g.budgets.release(key, err == nil)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// attempt sends once, and on 401 renews (or picks up an already renewed
// token) and replays. renewed carries across attempts of one Send: once set,
// a 401 is final.
func (g *Gateway) attempt(ctx context.Context, req Request, renewed *bool) (*Response, error) {
	token := g.tokens.Get(ctx).AccessToken

	resp, err := g.do(ctx, req, token)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return g.classify(req, resp)
	}

	if token == "" {
		return nil, &authsdk.AuthenticationError{StatusCode: http.StatusUnauthorized, Message: "no active session"}
	}
	if *renewed {
		return nil, errStillUnauthorized()
	}
	*renewed = true

	// Another caller's renewal may have completed since this request left.
	next := g.tokens.Get(ctx).AccessToken
	if next == "" || next == token {
		next, err = g.refresher.Refresh(ctx)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
	} else {
		g.logger.Debug("token already rotated, replaying", "method", req.Method, "url", req.URL)
	}

	resp, err = g.do(ctx, req, next)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, errStillUnauthorized()
	}
	return g.classify(req, resp)
}

func errStillUnauthorized() error {
	return &authsdk.AuthenticationError{
		StatusCode: http.StatusUnauthorized,
		Message:    "request still unauthorized after session renewal",
	}
}

func (g *Gateway) do(ctx context.Context, req Request, token string) (*Response, error) {
	r := g.client.R().SetContext(ctx)
	if len(req.Params) > 0 {
		r.SetQueryParamsFromValues(req.Params)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			r.Header.Add(k, v)
		}
	}
	if req.Body != nil {
		r.SetBody(req.Body)
	}
	if token != "" {
		r.SetAuthToken(token)
	}

	resp, err := r.Execute(req.Method, req.URL)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, backoff.Permanent(ctxErr)
		}
		return nil, &authsdk.NetworkError{Op: req.Method + " " + req.URL, Err: err}
	}

	return &Response{
		StatusCode: resp.StatusCode(),
		Header:     resp.Header(),
		Body:       resp.Body(),
	}, nil
}

func (g *Gateway) classify(req Request, resp *Response) (*Response, error) {
	if resp.StatusCode < http.StatusBadRequest {
		return resp, nil
	}

	err := authsdk.ClassifyResponse(req.Method+" "+req.URL, resp.StatusCode, resp.Body)
	var denied *authsdk.AccessDeniedError
	if errors.As(err, &denied) {
		denied.Resource = req.URL
	}
	return nil, err
}
