package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	agenthttp "github.com/aussiebroadwan/sessionkit/internal/agent/http"
	"github.com/aussiebroadwan/sessionkit/pkg/access"
	"github.com/aussiebroadwan/sessionkit/pkg/authsdk"
	"github.com/aussiebroadwan/sessionkit/pkg/gateway"
	"github.com/aussiebroadwan/sessionkit/pkg/httpx"
	"github.com/aussiebroadwan/sessionkit/pkg/metricsx"
	"github.com/aussiebroadwan/sessionkit/pkg/session"
)

// stubSession answers from fixed values.
type stubSession struct {
	table    access.Table
	state    session.State
	loginErr error
	activity int
}

func (s *stubSession) Login(context.Context, authsdk.Credentials) (*authsdk.User, error) {
	if s.loginErr != nil {
		return nil, s.loginErr
	}
	s.state = session.State{
		Status: session.Authenticated,
		User:   &authsdk.User{ID: "u-maria", Username: "maria", Role: authsdk.RoleCatequista},
	}
	return s.state.User, nil
}

func (s *stubSession) Logout(context.Context) error {
	s.state = session.State{}
	return nil
}

func (s *stubSession) Authorize(path string) access.Decision {
	v := access.View{Authenticated: s.state.Status == session.Authenticated}
	if s.state.User != nil {
		v.Role = s.state.User.Role
	}
	return s.table.Authorize(path, v)
}

func (s *stubSession) State() session.State { return s.state }

func (s *stubSession) Refresh(context.Context) (string, error) { return "", authsdk.ErrUnauthenticated }

func (s *stubSession) Profile(context.Context) (*authsdk.User, error) { return s.state.User, nil }

func (s *stubSession) RecordActivity() { s.activity++ }

func (s *stubSession) Gateway() *gateway.Gateway { return nil }

func newRouter(s *stubSession) *agenthttp.Router {
	s.table = access.DefaultTable()
	r := agenthttp.NewRouter(s, &s.table, metricsx.New(), "test", slog.New(slog.DiscardHandler))
	r.LoginLimit = httpx.RateLimitConfig{}
	r.ApplyRoutes()
	return r
}

func serve(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestLoginErrorMapping(t *testing.T) {
	t.Parallel()
	remaining := 2

	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"bad credentials", &authsdk.AuthenticationError{StatusCode: 401, RemainingAttempts: &remaining}, http.StatusUnauthorized, "invalid_credentials"},
		{"locked", &authsdk.LockoutError{Attempts: 5, Until: time.Now().Add(15 * time.Minute)}, http.StatusLocked, "account_locked"},
		{"already signed in", &session.TransitionError{From: session.Authenticated, Event: session.LoginSubmit}, http.StatusConflict, "invalid_state"},
		{"upstream down", &authsdk.NetworkError{Op: "POST /auth/login", Err: errors.New("connection refused")}, http.StatusBadGateway, "upstream_unavailable"},
		{"upstream 4xx", &authsdk.HTTPError{StatusCode: http.StatusUnprocessableEntity, Code: "invalid_request"}, http.StatusUnprocessableEntity, "invalid_request"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "server_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRouter(&stubSession{loginErr: tt.err})
			rec := serve(r, http.MethodPost, "/v1/session/login", `{"username":"maria","password":"x"}`)
			require.Equal(t, tt.status, rec.Code)

			var body httpx.ErrorBody
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			require.Equal(t, tt.code, body.Error)
		})
	}
}

func TestLockoutSetsRetryAfter(t *testing.T) {
	t.Parallel()
	r := newRouter(&stubSession{loginErr: &authsdk.LockoutError{Attempts: 5, Until: time.Now().Add(90 * time.Second)}})

	rec := serve(r, http.MethodPost, "/v1/session/login", `{"username":"maria","password":"x"}`)
	require.Equal(t, http.StatusLocked, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestLoginChallengeIsForwarded(t *testing.T) {
	t.Parallel()
	r := newRouter(&stubSession{loginErr: &authsdk.MFARequiredError{MFAToken: "t", Methods: []string{"totp"}}})

	rec := serve(r, http.MethodPost, "/v1/session/login", `{"username":"maria","password":"x"}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.JSONEq(t, `{"mfa_token":"t","mfa_methods":["totp"]}`, rec.Body.String())
}

func TestLoginValidatesBody(t *testing.T) {
	t.Parallel()
	r := newRouter(&stubSession{})

	require.Equal(t, http.StatusBadRequest, serve(r, http.MethodPost, "/v1/session/login", `{`).Code)
	require.Equal(t, http.StatusBadRequest, serve(r, http.MethodPost, "/v1/session/login", `{"username":"maria"}`).Code)
}

func TestLoginStateLogout(t *testing.T) {
	t.Parallel()
	s := &stubSession{}
	r := newRouter(s)

	rec := serve(r, http.MethodPost, "/v1/session/login", `{"username":"maria","password":"x"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"authenticated"`)
	require.Equal(t, "no-cache, no-store, must-revalidate", rec.Header().Get("Cache-Control"))

	rec = serve(r, http.MethodGet, "/v1/session", "")
	require.Contains(t, rec.Body.String(), `"username":"maria"`)

	require.Equal(t, http.StatusNoContent, serve(r, http.MethodPost, "/v1/session/logout", "").Code)
	require.Contains(t, serve(r, http.MethodGet, "/v1/session", "").Body.String(), `"status":"anonymous"`)
}

func TestActivityIsRecorded(t *testing.T) {
	t.Parallel()
	s := &stubSession{}
	r := newRouter(s)

	require.Equal(t, http.StatusNoContent, serve(r, http.MethodPost, "/v1/activity", "").Code)
	require.Equal(t, 1, s.activity)
}

func TestAuthorizeEndpoint(t *testing.T) {
	t.Parallel()
	s := &stubSession{}
	r := newRouter(s)

	var got agenthttp.DecisionResponse
	rec := serve(r, http.MethodGet, "/v1/authorize?path=/grupos/3", "")
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	require.Equal(t, agenthttp.DecisionResponse{
		Outcome:  access.RedirectToLogin.String(),
		Location: "/auth/login?callbackUrl=%2Fgrupos%2F3",
		Matched:  true,
	}, got)

	require.Equal(t, http.StatusBadRequest, serve(r, http.MethodGet, "/v1/authorize", "").Code)

	_, _ = s.Login(context.Background(), authsdk.Credentials{})
	rec = serve(r, http.MethodGet, "/v1/authorize?path=/administracion", "")
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	require.Equal(t, access.Deny.String(), got.Outcome)
	require.Equal(t, httpx.DefaultAccessDeniedPath, got.Location)
}

func TestPagesAreGuarded(t *testing.T) {
	t.Parallel()
	s := &stubSession{}
	r := newRouter(s)

	rec := serve(r, http.MethodGet, "/grupos", "")
	require.Equal(t, http.StatusFound, rec.Code)
	require.Equal(t, "/auth/login?callbackUrl=%2Fgrupos", rec.Header().Get("Location"))
	require.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))

	_, _ = s.Login(context.Background(), authsdk.Credentials{})
	require.Equal(t, http.StatusNotFound, serve(r, http.MethodGet, "/grupos", "").Code)
	require.Equal(t, http.StatusFound, serve(r, http.MethodGet, "/administracion", "").Code)
}

func TestPagesProxyCarriesUserHeaders(t *testing.T) {
	t.Parallel()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(r.Header.Get(httpx.HeaderUserRole) + " " + r.URL.Path))
	}))
	t.Cleanup(upstream.Close)

	s := &stubSession{table: access.DefaultTable()}
	r := agenthttp.NewRouter(s, &s.table, metricsx.New(), "test", slog.New(slog.DiscardHandler))
	require.NoError(t, r.ProxyPages(upstream.URL))
	r.ApplyRoutes()

	_, _ = s.Login(context.Background(), authsdk.Credentials{})
	rec := serve(r, http.MethodGet, "/grupos/7", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "catequista /grupos/7", rec.Body.String())
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	r := newRouter(&stubSession{})

	var got agenthttp.HealthResponse
	rec := serve(r, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	require.Equal(t, "ok", got.Status)
	require.Equal(t, "test", got.Version)
	require.Equal(t, session.Anonymous, got.Session)
}

func TestRequestLogsCarrySessionID(t *testing.T) {
	t.Parallel()
	s := &stubSession{table: access.DefaultTable()}
	_, _ = s.Login(context.Background(), authsdk.Credentials{})
	s.state.SessionID = "ses_01JX"

	var buf bytes.Buffer
	r := agenthttp.NewRouter(s, &s.table, metricsx.New(), "test", slog.New(slog.NewJSONHandler(&buf, nil)))
	r.ApplyRoutes()

	rec := serve(r, http.MethodGet, "/administracion", "")
	require.Equal(t, http.StatusFound, rec.Code)

	var denied map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var entry map[string]any
		require.NoError(t, json.Unmarshal(line, &entry))
		if entry["msg"] == "access denied" {
			denied = entry
		}
	}
	require.NotNil(t, denied, buf.String())
	require.Equal(t, "ses_01JX", denied["session_id"])
	require.NotEmpty(t, denied["req_id"])
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	r := newRouter(&stubSession{})

	rec := serve(r, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
}
