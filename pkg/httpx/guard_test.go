package httpx_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aussiebroadwan/sessionkit/pkg/access"
	"github.com/aussiebroadwan/sessionkit/pkg/httpx"
	"github.com/aussiebroadwan/sessionkit/pkg/jwtx"
)

var guardNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func mintToken(t *testing.T, role string, ttl time.Duration) string {
	t.Helper()
	signer, err := jwtx.NewSignerHS256([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	tok, err := signer.Sign(jwtx.NewAccessClaims("u-42", role, nil, ttl, guardNow.Add(-time.Minute)))
	require.NoError(t, err)
	return tok
}

func guarded(t *testing.T, seen *http.Request) http.Handler {
	t.Helper()
	table := access.DefaultTable()
	return httpx.Chain(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			*seen = *r
			w.WriteHeader(http.StatusOK)
		}),
		httpx.SecurityHeaders(),
		httpx.Guard(httpx.GuardConfig{
			Table:     &table,
			Principal: httpx.BearerPrincipal(func() time.Time { return guardNow }),
			Skip:      []string{"/api/"},
		}),
	)
}

func TestGuardRedirectsAnonymousToLogin(t *testing.T) {
	var seen http.Request
	h := guarded(t, &seen)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/grupos/7", nil))

	require.Equal(t, http.StatusFound, rec.Code)
	require.Equal(t, "/auth/login?callbackUrl=%2Fgrupos%2F7", rec.Header().Get("Location"))
	require.Contains(t, rec.Header().Get("Cache-Control"), "no-store")
	require.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestGuardTreatsExpiredTokenAsAnonymous(t *testing.T) {
	var seen http.Request
	h := guarded(t, &seen)

	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	req.AddCookie(&http.Cookie{Name: httpx.TokenCookie, Value: mintToken(t, access.RoleAdmin, 30*time.Second)})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
}

func TestGuardDeniesWrongRole(t *testing.T) {
	var seen http.Request
	h := guarded(t, &seen)

	req := httptest.NewRequest(http.MethodGet, "/certificados", nil)
	req.Header.Set("Authorization", "Bearer "+mintToken(t, access.RoleCatequista, time.Hour))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	require.Equal(t, httpx.DefaultAccessDeniedPath, rec.Header().Get("Location"))
}

func TestGuardForwardsPrincipal(t *testing.T) {
	var seen http.Request
	h := guarded(t, &seen)

	req := httptest.NewRequest(http.MethodGet, "/grupos", nil)
	req.AddCookie(&http.Cookie{Name: httpx.TokenCookie, Value: mintToken(t, access.RoleCatequista, time.Hour)})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "u-42", seen.Header.Get(httpx.HeaderUserID))
	require.Equal(t, access.RoleCatequista, seen.Header.Get(httpx.HeaderUserRole))
	require.NotEmpty(t, seen.Header.Get(httpx.HeaderTokenExp))

	role, ok := httpx.RoleFromContext(seen.Context())
	require.True(t, ok)
	require.Equal(t, access.RoleCatequista, role)
	_, ok = httpx.ClaimsFromContext(seen.Context())
	require.True(t, ok)
}

func TestGuardSkipsAssetsAndPrefixes(t *testing.T) {
	var seen http.Request
	h := guarded(t, &seen)

	for _, p := range []string{"/api/catequizandos", "/grupos/logo.png"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, p, nil))
		require.Equal(t, http.StatusOK, rec.Code, p)
	}
}

func TestLoginLocation(t *testing.T) {
	require.Equal(t, "/auth/login", httpx.LoginLocation(access.Decision{}))
	require.Equal(t, "/sso", httpx.LoginLocation(access.Decision{LoginPath: "/sso", Callback: "/x"}))
	require.Equal(t, "/auth/login?callbackUrl=%2Fx",
		httpx.LoginLocation(access.Decision{LoginPath: "/auth/login", Callback: "/x"}))
}
