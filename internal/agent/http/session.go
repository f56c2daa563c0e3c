package http

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/aussiebroadwan/sessionkit/pkg/access"
	"github.com/aussiebroadwan/sessionkit/pkg/authsdk"
	"github.com/aussiebroadwan/sessionkit/pkg/httpx"
	"github.com/aussiebroadwan/sessionkit/pkg/session"
	"github.com/aussiebroadwan/sessionkit/pkg/slogx"
)

// SessionHandler serves the /v1/session endpoints.
type SessionHandler struct {
	Session Session
}

// LoginRequest is the body of POST /v1/session/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Remember bool   `json:"remember,omitempty"`
}

// HandleLogin serves POST /v1/session/login. On success it answers with
// the new session state.
func (h *SessionHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	if req.Username == "" || req.Password == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "username and password are required")
		return
	}

	_, err := h.Session.Login(r.Context(), authsdk.Credentials{
		Username: req.Username,
		Password: req.Password,
		Remember: req.Remember,
	})
	if err != nil {
		writeSessionError(w, r, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, h.Session.State())
}

// HandleLogout serves POST /v1/session/logout. It always succeeds.
func (h *SessionHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	_ = h.Session.Logout(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// HandleRefresh serves POST /v1/session/refresh, renewing the access token
// ahead of the timer.
func (h *SessionHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	if _, err := h.Session.Refresh(r.Context()); err != nil {
		writeSessionError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, h.Session.State())
}

// HandleState serves GET /v1/session.
func (h *SessionHandler) HandleState(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, h.Session.State())
}

// HandleProfile serves GET /v1/session/profile, reloading the profile from
// the server.
func (h *SessionHandler) HandleProfile(w http.ResponseWriter, r *http.Request) {
	user, err := h.Session.Profile(r.Context())
	if err != nil {
		writeSessionError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, user)
}

// HandleActivity serves POST /v1/activity.
func (h *SessionHandler) HandleActivity(w http.ResponseWriter, r *http.Request) {
	h.Session.RecordActivity()
	w.WriteHeader(http.StatusNoContent)
}

// DecisionResponse is the body of GET /v1/authorize.
type DecisionResponse struct {
	Outcome  string `json:"outcome"`
	Location string `json:"location,omitempty"`
	Matched  bool   `json:"matched"`
}

// AuthorizeHandler serves GET /v1/authorize?path=..., telling a host
// application what to do with a page request.
func AuthorizeHandler(s Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Query().Get("path")
		if path == "" {
			httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "path is required")
			return
		}

		d := s.Authorize(path)
		resp := DecisionResponse{Outcome: d.Outcome.String(), Matched: d.Matched()}
		switch d.Outcome {
		case access.RedirectToLogin:
			resp.Location = httpx.LoginLocation(d)
		case access.Deny:
			resp.Location = httpx.DefaultAccessDeniedPath
		}
		httpx.WriteJSON(w, http.StatusOK, resp)
	}
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status  string         `json:"status"`
	Uptime  string         `json:"uptime"`
	Version string         `json:"version"`
	Session session.Status `json:"session"`
}

// HealthzHandler reports liveness with the current session status.
func HealthzHandler(startTime time.Time, version string, s Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, HealthResponse{
			Status:  "ok",
			Uptime:  time.Since(startTime).Round(time.Second).String(),
			Version: version,
			Session: s.State().Status,
		})
	}
}

// writeSessionError maps the authsdk error taxonomy onto HTTP answers.
func writeSessionError(w http.ResponseWriter, r *http.Request, err error) {
	log := slogx.FromContext(r.Context())

	var (
		lockout    *authsdk.LockoutError
		challenge  *authsdk.MFARequiredError
		transition *session.TransitionError
		httpErr    *authsdk.HTTPError
	)
	switch {
	case errors.As(err, &lockout):
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(lockout.RetryAfter(time.Now()).Seconds()))))
		httpx.WriteError(w, http.StatusLocked, authsdk.ErrorCodeAccountLocked, err.Error())
	case errors.As(err, &challenge):
		httpx.WriteJSON(w, http.StatusConflict, challenge)
	case errors.As(err, &transition):
		httpx.WriteError(w, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, authsdk.ErrRefreshFailed):
		httpx.WriteError(w, http.StatusUnauthorized, authsdk.ErrorCodeInvalidGrant, "session expired, log in again")
	case errors.Is(err, authsdk.ErrUnauthenticated), errors.Is(err, authsdk.ErrSessionClosed):
		httpx.WriteError(w, http.StatusUnauthorized, authsdk.ErrorCodeInvalidCredentials, err.Error())
	case errors.Is(err, authsdk.ErrAccessDenied):
		httpx.WriteError(w, http.StatusForbidden, authsdk.ErrorCodeAccessDenied, err.Error())
	case errors.As(err, &httpErr):
		code := httpErr.Code
		if code == "" {
			code = "upstream_error"
		}
		httpx.WriteError(w, httpErr.StatusCode, code, httpErr.Message)
	case errors.Is(err, authsdk.ErrNetwork):
		log.Warn("upstream unavailable", "err", err)
		httpx.WriteError(w, http.StatusBadGateway, "upstream_unavailable", "the API could not be reached")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		httpx.WriteError(w, http.StatusGatewayTimeout, "timeout", err.Error())
	default:
		log.Error("session operation failed", "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, authsdk.ErrorCodeServerError, "internal error")
	}
}
