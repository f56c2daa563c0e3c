package gateway_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/aussiebroadwan/sessionkit/pkg/authsdk"
	"github.com/aussiebroadwan/sessionkit/pkg/authtest"
	"github.com/aussiebroadwan/sessionkit/pkg/clock"
	"github.com/aussiebroadwan/sessionkit/pkg/gateway"
	"github.com/aussiebroadwan/sessionkit/pkg/httpx"
	"github.com/aussiebroadwan/sessionkit/pkg/metricsx"
	"github.com/aussiebroadwan/sessionkit/pkg/tokenstore"
)

// tokens is a tokenstore.Reader whose answers the test scripts.
type tokens struct {
	mu     sync.Mutex
	values []string
}

func (t *tokens) Get(context.Context) tokenstore.Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	v := t.values[0]
	if len(t.values) > 1 {
		t.values = t.values[1:]
	}
	return tokenstore.Snapshot{AccessToken: v}
}

func (t *tokens) set(v ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.values = v
}

// refresher hands out a freshly minted token, or fails with err.
type refresher struct {
	srv   *authtest.Server
	store *tokens
	err   error
	calls atomic.Int32
}

func (r *refresher) Refresh(context.Context) (string, error) {
	r.calls.Add(1)
	if r.err != nil {
		return "", r.err
	}
	tok := r.srv.MintAccess("maria", time.Hour)
	r.store.set(tok)
	return tok, nil
}

type fixture struct {
	srv     *authtest.Server
	store   *tokens
	refresh *refresher
	metrics *metricsx.Metrics
	gw      *gateway.Gateway
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	srv := authtest.NewServer()
	t.Cleanup(srv.Close)
	srv.AddAccount(authtest.Account{Username: "maria", Password: "x", Role: "catequista"})

	store := &tokens{values: []string{srv.MintAccess("maria", time.Hour)}}
	ref := &refresher{srv: srv, store: store}
	m := metricsx.New()
	client := httpx.NewClient(httpx.WithBaseURL(srv.URL), httpx.WithMetrics(m))

	gw := gateway.New(client, store, ref, gateway.Config{BaseDelay: time.Millisecond}, nil, m)
	return &fixture{srv: srv, store: store, refresh: ref, metrics: m, gw: gw}
}

func get(path string) gateway.Request {
	return gateway.Request{Method: http.MethodGet, URL: path}
}

func TestSendAttachesBearer(t *testing.T) {
	f := newFixture(t)

	resp, err := f.gw.Send(context.Background(), gateway.Request{
		Method: http.MethodPost,
		URL:    "/api/resources/grupos",
		Params: url.Values{"page": {"2"}},
		Body:   map[string]string{"nombre": "Confirmación"},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]string
	require.NoError(t, resp.JSON(&out))
	require.Equal(t, "maria", out["user"])
	require.Equal(t, "page=2", out["query"])
	require.JSONEq(t, `{"nombre":"Confirmación"}`, out["body"])
	require.Zero(t, f.refresh.calls.Load())
}

func TestSendRefreshesOnceAndReplays(t *testing.T) {
	f := newFixture(t)
	f.srv.Revoke()

	resp, err := f.gw.Send(context.Background(), get("/api/resources/grupos"))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 1, f.refresh.calls.Load())
	require.Equal(t, 2, f.srv.ResourceCalls())
}

func TestSendReplayStillUnauthorized(t *testing.T) {
	f := newFixture(t)
	f.srv.Revoke()

	// The refreshed token is revoked before the replay lands.
	stale := &staleRefresher{}
	gw := gateway.New(httpx.NewClient(httpx.WithBaseURL(f.srv.URL)), f.store, stale, gateway.Config{}, nil, nil)

	_, err := gw.Send(context.Background(), get("/api/resources/grupos"))
	require.ErrorIs(t, err, authsdk.ErrUnauthenticated)
	require.NotErrorIs(t, err, authsdk.ErrRefreshFailed)
	require.EqualValues(t, 1, stale.calls.Load(), "a replayed 401 never refreshes again")
}

type staleRefresher struct {
	calls atomic.Int32
}

func (r *staleRefresher) Refresh(context.Context) (string, error) {
	r.calls.Add(1)
	return "not-a-live-token", nil
}

// scripted answers the i-th call with statuses[i] and records the bearer
// token each call carried.
type scripted struct {
	mu       sync.Mutex
	statuses []int
	bearers  []string
}

func (s *scripted) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	i := len(s.bearers)
	s.bearers = append(s.bearers, r.Header.Get("Authorization"))
	status := http.StatusOK
	if i < len(s.statuses) {
		status = s.statuses[i]
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{}`))
}

func (s *scripted) calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.bearers...)
}

// countingRefresher stores and returns new1, new2... on each call.
type countingRefresher struct {
	store *tokens
	calls atomic.Int32
}

func (r *countingRefresher) Refresh(context.Context) (string, error) {
	n := r.calls.Add(1)
	tok := "new" + string(rune('0'+n))
	r.store.set(tok)
	return tok, nil
}

func TestSendRenewsOnceAcrossRetries(t *testing.T) {
	upstream := &scripted{statuses: []int{
		http.StatusUnauthorized,
		http.StatusServiceUnavailable,
		http.StatusUnauthorized,
		http.StatusOK,
	}}
	srv := httptest.NewServer(upstream)
	t.Cleanup(srv.Close)

	store := &tokens{values: []string{"old"}}
	ref := &countingRefresher{store: store}
	gw := gateway.New(httpx.NewClient(httpx.WithBaseURL(srv.URL)), store, ref,
		gateway.Config{BaseDelay: time.Millisecond}, nil, nil)

	_, err := gw.Send(context.Background(), get("/api/resources/grupos"))
	require.ErrorIs(t, err, authsdk.ErrUnauthenticated)
	require.NotErrorIs(t, err, authsdk.ErrRefreshFailed)
	require.EqualValues(t, 1, ref.calls.Load(), "the 401 after a retried replay does not renew again")
	require.Equal(t, []string{"Bearer old", "Bearer new1", "Bearer new1"}, upstream.calls())
}

func TestSendRetryWaitsOnScheduler(t *testing.T) {
	f := newFixture(t)
	f.srv.FailResources(1, http.StatusServiceUnavailable)

	fc := clock.NewFake(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	gw := gateway.New(httpx.NewClient(httpx.WithBaseURL(f.srv.URL)), f.store, f.refresh,
		gateway.Config{BaseDelay: time.Minute, Timers: fc}, nil, nil)

	done := make(chan error, 1)
	go func() {
		_, err := gw.Send(context.Background(), get("/api/resources/grupos"))
		done <- err
	}()

	require.Eventually(t, func() bool { return fc.Pending() == 1 }, 5*time.Second, time.Millisecond)
	require.Equal(t, 1, f.srv.ResourceCalls())
	select {
	case err := <-done:
		t.Fatalf("send returned before the retry delay elapsed: %v", err)
	default:
	}

	fc.Advance(time.Minute)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("send did not resume after the retry delay")
	}
	require.Equal(t, 2, f.srv.ResourceCalls())
	require.Zero(t, fc.Pending())
}

func TestSendUsesAlreadyRotatedToken(t *testing.T) {
	f := newFixture(t)
	old := f.store.values[0]
	f.srv.Revoke()
	fresh := f.srv.MintAccess("maria", time.Hour)

	// The request leaves with the old token; by the time its 401 is seen
	// another caller has stored a new one.
	f.store.set(old, fresh)

	resp, err := f.gw.Send(context.Background(), get("/api/resources/grupos"))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Zero(t, f.refresh.calls.Load())
}

func TestSendRefreshFailureIsFinal(t *testing.T) {
	f := newFixture(t)
	f.srv.Revoke()
	f.refresh.err = &authsdk.RefreshFailedError{
		Err: &authsdk.NetworkError{Op: "refresh", Err: errors.New("connection reset")},
	}

	_, err := f.gw.Send(context.Background(), get("/api/resources/grupos"))
	require.ErrorIs(t, err, authsdk.ErrRefreshFailed)
	require.EqualValues(t, 1, f.refresh.calls.Load())
	require.Equal(t, 1, f.srv.ResourceCalls(), "refresh failures are not retried")
}

func TestSendWithoutSessionIsUnauthenticated(t *testing.T) {
	f := newFixture(t)
	f.store.set("")

	_, err := f.gw.Send(context.Background(), get("/api/resources/grupos"))
	require.ErrorIs(t, err, authsdk.ErrUnauthenticated)
	require.Zero(t, f.refresh.calls.Load())
}

func TestSendForbiddenNeverRefreshes(t *testing.T) {
	f := newFixture(t)

	_, err := f.gw.Send(context.Background(), get("/api/resources/forbidden"))
	var denied *authsdk.AccessDeniedError
	require.ErrorAs(t, err, &denied)
	require.Equal(t, "/api/resources/forbidden", denied.Resource)
	require.Zero(t, f.refresh.calls.Load())
	require.Equal(t, 1, f.srv.ResourceCalls())
}

func TestSendOtherClientErrorSurfacesWithoutRetry(t *testing.T) {
	f := newFixture(t)

	_, err := f.gw.Send(context.Background(), get("/api/resources/missing"))
	var httpErr *authsdk.HTTPError
	require.ErrorAs(t, err, &httpErr)
	require.Equal(t, http.StatusNotFound, httpErr.StatusCode)
	require.Equal(t, 1, f.srv.ResourceCalls())
}

func TestSendRetriesServerErrors(t *testing.T) {
	f := newFixture(t)
	f.srv.FailResources(2, http.StatusServiceUnavailable)

	resp, err := f.gw.Send(context.Background(), get("/api/resources/grupos"))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 3, f.srv.ResourceCalls())
	require.Equal(t, 2.0, testutil.ToFloat64(f.metrics.GatewayRetries.WithLabelValues(http.MethodGet)))
}

func TestSendGivesUpAfterThreeRetries(t *testing.T) {
	f := newFixture(t)
	f.srv.FailResources(10, http.StatusBadGateway)

	_, err := f.gw.Send(context.Background(), get("/api/resources/grupos"))
	require.ErrorIs(t, err, authsdk.ErrNetwork)

	var netErr *authsdk.NetworkError
	require.ErrorAs(t, err, &netErr)
	require.Equal(t, http.StatusBadGateway, netErr.StatusCode)
	require.Equal(t, 1+gateway.DefaultMaxRetries, f.srv.ResourceCalls())
}

func TestSendBudgetResetsAfterCall(t *testing.T) {
	f := newFixture(t)
	f.srv.FailResources(4, http.StatusBadGateway)

	_, err := f.gw.Send(context.Background(), get("/api/resources/grupos"))
	require.Error(t, err)

	// A fresh call starts with a full budget again.
	f.srv.FailResources(3, http.StatusBadGateway)
	_, err = f.gw.Send(context.Background(), get("/api/resources/grupos"))
	require.NoError(t, err)
}

func TestSendTransportErrorIsNetworkError(t *testing.T) {
	gw := gateway.New(
		httpx.NewClient(httpx.WithBaseURL("http://127.0.0.1:1"), httpx.WithTimeout(time.Second)),
		&tokens{values: []string{"tok"}},
		&refresher{},
		gateway.Config{BaseDelay: time.Millisecond, MaxRetries: 1},
		nil, nil,
	)

	_, err := gw.Send(context.Background(), get("/api/resources/grupos"))
	require.ErrorIs(t, err, authsdk.ErrNetwork)
}

func TestSendStopsOnContextCancel(t *testing.T) {
	f := newFixture(t)
	f.srv.FailResources(10, http.StatusBadGateway)

	gw := gateway.New(httpx.NewClient(httpx.WithBaseURL(f.srv.URL)), f.store, f.refresh,
		gateway.Config{BaseDelay: time.Hour}, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := gw.Send(ctx, get("/api/resources/grupos"))
	require.Error(t, err)
	require.Less(t, time.Since(start), 5*time.Second)
}
