package authtest

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

type loginBody struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	Remember   bool   `json:"remember"`
	Recordarme bool   `json:"recordarme"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	s.loginCalls.Add(1)

	var body loginBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "malformed body", nil, nil)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	if until, ok := s.lockedUntil[body.Username]; ok && until.After(now) {
		s.writeError(w, http.StatusLocked, "account_locked", "account locked", nil, &until)
		return
	}

	a := s.accounts[body.Username]
	if a == nil || a.Password != body.Password {
		s.failures[body.Username]++
		remaining := max(DefaultMaxAttempts-s.failures[body.Username], 0)
		var until *time.Time
		if s.serverLockout && remaining == 0 {
			t := now.Add(DefaultLockout)
			s.lockedUntil[body.Username] = t
			until = &t
		}
		s.writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid username or password", &remaining, until)
		return
	}
	delete(s.failures, body.Username)
	delete(s.lockedUntil, body.Username)

	if a.TOTPSecret != "" && !s.envelope {
		tok := mustToken()
		s.mfa[tok] = a.Username
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":       "mfa_required",
			"mfa_token":   tok,
			"mfa_methods": []string{"totp"},
		})
		return
	}

	s.writeSessionLocked(w, a)
}

func (s *Server) handleMFA(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MFAToken string `json:"mfaToken"`
		Method   string `json:"method"`
		Code     string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "malformed body", nil, nil)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	username, ok := s.mfa[body.MFAToken]
	if !ok || body.Method != "totp" {
		s.writeError(w, http.StatusUnauthorized, "invalid_grant", "unknown mfa challenge", nil, nil)
		return
	}
	a := s.accounts[username]
	valid, err := totp.ValidateCustom(body.Code, a.TOTPSecret, s.now(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil || !valid {
		s.writeError(w, http.StatusUnauthorized, "invalid_grant", "invalid code", nil, nil)
		return
	}
	delete(s.mfa, body.MFAToken)

	s.writeSessionLocked(w, a)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.refreshCalls.Add(1)

	s.mu.Lock()
	gate := s.refreshGate
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}

	var body struct {
		RefreshCredential string `json:"refreshCredential"`
		RefreshToken      string `json:"refreshToken"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "malformed body", nil, nil)
		return
	}
	cred := body.RefreshCredential
	if s.envelope {
		cred = body.RefreshToken
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refreshFailure != 0 {
		s.writeError(w, s.refreshFailure, "invalid_grant", "refresh rejected", nil, nil)
		return
	}

	username, ok := s.refreshes[cred]
	if !ok {
		s.writeError(w, http.StatusUnauthorized, "invalid_grant", "unknown refresh credential", nil, nil)
		return
	}

	access := s.mintLocked(s.accounts[username], s.accessTTL)
	rotated := ""
	if s.rotate {
		delete(s.refreshes, cred)
		rotated = s.issueRefreshLocked(username)
	}

	expiresIn := int(s.accessTTL / time.Second)
	if s.envelope {
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"message": "token renovado",
			"data":    map[string]any{"token": access, "refreshToken": rotated, "expiresIn": expiresIn},
		})
		return
	}
	out := map[string]any{"accessToken": access, "expiresIn": expiresIn}
	if rotated != "" {
		out["refreshCredential"] = rotated
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.logoutCalls.Add(1)

	if a, ok := s.authorized(r); ok {
		s.mu.Lock()
		for tok, u := range s.live {
			if u == a.Username {
				delete(s.live, tok)
			}
		}
		for cred, u := range s.refreshes {
			if u == a.Username {
				delete(s.refreshes, cred)
			}
		}
		s.mu.Unlock()
	}

	if s.envelope {
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	a, ok := s.authorized(r)
	if !ok {
		s.writeError(w, http.StatusUnauthorized, "invalid_token", "token invalid or expired", nil, nil)
		return
	}
	if s.envelope {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": legacyUserJSON(a)})
		return
	}
	writeJSON(w, http.StatusOK, userJSON(a))
}

// handleResource serves /api/resources/{name}. "forbidden" answers 403 to
// everyone but admins, "missing" answers 404, anything else echoes the
// call back.
func (s *Server) handleResource(w http.ResponseWriter, r *http.Request) {
	s.resourceCalls.Add(1)

	s.mu.Lock()
	if s.resourceFails > 0 {
		s.resourceFails--
		status := s.resourceFailure
		s.mu.Unlock()
		s.writeError(w, status, "server_error", "injected failure", nil, nil)
		return
	}
	s.mu.Unlock()

	a, ok := s.authorized(r)
	if !ok {
		s.writeError(w, http.StatusUnauthorized, "invalid_token", "token invalid or expired", nil, nil)
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/api/resources/")
	switch {
	case name == "forbidden" && a.Role != "admin":
		s.writeError(w, http.StatusForbidden, "access_denied", "role not allowed", nil, nil)
		return
	case name == "missing":
		s.writeError(w, http.StatusNotFound, "not_found", "no such resource", nil, nil)
		return
	}

	body, _ := io.ReadAll(r.Body)
	writeJSON(w, http.StatusOK, map[string]any{
		"resource": name,
		"method":   r.Method,
		"user":     a.Username,
		"query":    r.URL.RawQuery,
		"body":     string(body),
	})
}

func (s *Server) writeSessionLocked(w http.ResponseWriter, a *Account) {
	access := s.mintLocked(a, s.accessTTL)
	refresh := s.issueRefreshLocked(a.Username)
	expiresIn := int(s.accessTTL / time.Second)

	if s.envelope {
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"message": "login exitoso",
			"data": map[string]any{
				"user":         legacyUserJSON(a),
				"token":        access,
				"refreshToken": refresh,
				"expiresIn":    expiresIn,
			},
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user":              userJSON(a),
		"accessToken":       access,
		"refreshCredential": refresh,
		"expiresIn":         expiresIn,
	})
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string, remaining *int, lockedUntil *time.Time) {
	if s.envelope {
		body := map[string]any{"success": false, "message": msg}
		if remaining != nil {
			body["intentosRestantes"] = *remaining
		}
		if lockedUntil != nil {
			body["bloqueadoHasta"] = lockedUntil.UTC()
		}
		writeJSON(w, status, body)
		return
	}

	body := map[string]any{"error": code, "error_description": msg}
	if remaining != nil {
		body["remainingAttempts"] = *remaining
	}
	if lockedUntil != nil {
		body["lockedUntil"] = lockedUntil.UTC()
	}
	writeJSON(w, status, body)
}

func userJSON(a *Account) map[string]any {
	return map[string]any{
		"id":          a.ID,
		"username":    a.Username,
		"email":       a.Email,
		"role":        a.Role,
		"status":      "active",
		"firstName":   a.FirstName,
		"lastName":    a.LastName,
		"permissions": a.Permissions,
	}
}

func legacyUserJSON(a *Account) map[string]any {
	return map[string]any{
		"id":       a.ID,
		"username": a.Username,
		"email":    a.Email,
		"tipo":     a.Role,
		"estado":   "activo",
		"datosPersonales": map[string]any{
			"nombres":   a.FirstName,
			"apellidos": a.LastName,
		},
		"permisos": a.Permissions,
	}
}
