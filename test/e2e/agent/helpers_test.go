package agent_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/require"

	"github.com/aussiebroadwan/sessionkit/internal/agent/app"
	"github.com/aussiebroadwan/sessionkit/pkg/authsdk"
	"github.com/aussiebroadwan/sessionkit/pkg/authtest"
	"github.com/aussiebroadwan/sessionkit/pkg/httpx"
)

/*
 * Common helpers for session agent end-to-end tests. Each test runs the
 * full agent in-process against a fake authentication API and talks to it
 * over HTTP only.
 */

const (
	testUsername = "maria"
	testPassword = "s3cret"
)

var relaxedLimit = httpx.RateLimitConfig{RequestsPerWindow: 1000, Window: time.Minute, Burst: 1000}

// agentConfig returns a memory-backed configuration pointing at apiURL with
// relaxed rate limits, so tests can hammer the endpoints.
func agentConfig(apiURL string) app.Config {
	return app.Config{
		APIBaseURL:          apiURL,
		Backend:             authsdk.BackendPlain,
		RequestTimeout:      5 * time.Second,
		RetryBaseDelay:      time.Millisecond,
		MaxRetries:          3,
		RefreshThreshold:    5 * time.Minute,
		IdleTimeout:         24 * time.Hour,
		IdleCheck:           time.Minute,
		ActivityDebounce:    time.Second,
		MaxLoginAttempts:    5,
		LockoutDuration:     15 * time.Minute,
		StoreDriver:         app.StoreMemory,
		LoginLimit:          relaxedLimit,
		ProxyLimit:          relaxedLimit,
		Env:                 "test",
		LogLevel:            "error",
		Port:                8080,
		ShutdownGracePeriod: time.Second,
	}
}

// setupAgent starts the fake API and the agent and returns the agent's
// client and the fake API.
func setupAgent(t *testing.T, mutate ...func(*app.Config)) (*resty.Client, *authtest.Server) {
	t.Helper()

	api := authtest.NewServer()
	t.Cleanup(api.Close)
	api.AddAccount(authtest.Account{
		Username:    testUsername,
		Password:    testPassword,
		Role:        authsdk.RoleCatequista,
		FirstName:   "María",
		Permissions: []string{"grupos:leer"},
	})

	cfg := agentConfig(api.URL)
	for _, m := range mutate {
		m(&cfg)
	}

	agent, err := app.New(cfg)
	require.NoError(t, err)

	srv := httptest.NewServer(agent.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = agent.Shutdown()
	})

	client := httpx.NewClient(httpx.WithBaseURL(srv.URL), httpx.WithTimeout(10*time.Second))
	// Keep redirects visible to the tests.
	client.SetRedirectPolicy(resty.RedirectPolicyFunc(func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}))
	return client, api
}

// performLogin logs in with the test account and asserts success.
func performLogin(t *testing.T, client *resty.Client) map[string]any {
	t.Helper()

	resp, err := client.R().
		SetBody(map[string]string{"username": testUsername, "password": testPassword}).
		Post("/v1/session/login")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode(), resp.String())

	return decode(t, resp)
}

// sessionState fetches GET /v1/session.
func sessionState(t *testing.T, client *resty.Client) map[string]any {
	t.Helper()

	resp, err := client.R().Get("/v1/session")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode())
	return decode(t, resp)
}

func decode(t *testing.T, resp *resty.Response) map[string]any {
	t.Helper()

	var out map[string]any
	require.NoError(t, json.Unmarshal(resp.Body(), &out), resp.String())
	return out
}
