package httpx

import (
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/aussiebroadwan/sessionkit/pkg/access"
	"github.com/aussiebroadwan/sessionkit/pkg/jwtx"
	"github.com/aussiebroadwan/sessionkit/pkg/slogx"
)

// TokenCookie is the cookie a browser session carries its access token in.
const TokenCookie = "catequesis_token"

// DefaultAccessDeniedPath is where denied requests are redirected.
const DefaultAccessDeniedPath = "/auth/access-denied"

// Headers forwarded to the guarded handler once a request is let through.
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"
	HeaderTokenExp = "X-Token-Exp"
)

// Principal is who the guard sees behind a request.
type Principal struct {
	Authenticated bool
	UserID        string
	Role          string
	ExpiresAt     time.Time

	// Claims is set when the principal was read from a token.
	Claims *jwtx.Claims
}

// View returns the part of the principal access decisions look at.
func (p Principal) View() access.View {
	return access.View{Authenticated: p.Authenticated, Role: p.Role}
}

// PrincipalFunc resolves the principal of a request.
type PrincipalFunc func(*http.Request) Principal

// BearerPrincipal reads the access token from the Authorization header,
// falling back to the TokenCookie cookie. A missing, malformed or expired
// token yields an anonymous principal.
func BearerPrincipal(now func() time.Time) PrincipalFunc {
	return func(r *http.Request) Principal {
		raw := bearerToken(r)
		if raw == "" {
			return Principal{}
		}

		claims, err := jwtx.ParseUnexpired(raw, now())
		if err != nil {
			slogx.FromContext(r.Context()).Debug("guard token rejected", "err", err)
			return Principal{}
		}

		return Principal{
			Authenticated: true,
			UserID:        claims.Subject,
			Role:          claims.Role,
			ExpiresAt:     claims.ExpiresAtTime(),
			Claims:        &claims,
		}
	}
}

func bearerToken(r *http.Request) string {
	if authz := r.Header.Get("Authorization"); strings.HasPrefix(authz, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(authz, "Bearer "))
	}
	if c, err := r.Cookie(TokenCookie); err == nil {
		return c.Value
	}
	return ""
}

// GuardConfig configures Guard.
type GuardConfig struct {
	Table     *access.Table
	Principal PrincipalFunc

	// AccessDeniedPath defaults to DefaultAccessDeniedPath.
	AccessDeniedPath string

	// Skip lists path prefixes passed through without a decision. Paths
	// with a file extension (static assets) are always passed through.
	Skip []string

	// OnRedirect and OnDeny replace the default 302 answers, e.g. with a
	// JSON error for API clients.
	OnRedirect func(http.ResponseWriter, *http.Request, access.Decision)
	OnDeny     func(http.ResponseWriter, *http.Request, access.Decision)
}

// Guard enforces the route table on page requests. Unauthenticated
// requests to protected paths are sent to the login page with a
// callbackUrl, denied ones to the access-denied page. Allowed requests
// carry the principal in the context and in the X-User-* headers.
func Guard(cfg GuardConfig) Middleware {
	if cfg.AccessDeniedPath == "" {
		cfg.AccessDeniedPath = DefaultAccessDeniedPath
	}
	if cfg.OnRedirect == nil {
		cfg.OnRedirect = redirectToLogin
	}
	if cfg.OnDeny == nil {
		deniedPath := cfg.AccessDeniedPath
		cfg.OnDeny = func(w http.ResponseWriter, r *http.Request, _ access.Decision) {
			NoCache(w)
			http.Redirect(w, r, deniedPath, http.StatusFound)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := r.URL.Path
			if cfg.skipped(p) {
				next.ServeHTTP(w, r)
				return
			}

			log := slogx.FromContext(r.Context())
			principal := cfg.Principal(r)
			d := cfg.Table.Authorize(p, principal.View())

			switch d.Outcome {
			case access.RedirectToLogin:
				log.Warn("access redirected to login", "path", p)
				cfg.OnRedirect(w, r, d)
				return
			case access.Deny:
				log.Warn("access denied", "path", p, "role", principal.Role, "allowed", d.Policy.AllowedRoles)
				cfg.OnDeny(w, r, d)
				return
			}

			if !d.Matched() {
				log.Warn("no route policy matched, allowing", "path", p)
			}

			if principal.Authenticated {
				r.Header.Set(HeaderUserID, principal.UserID)
				r.Header.Set(HeaderUserRole, principal.Role)
				if !principal.ExpiresAt.IsZero() {
					r.Header.Set(HeaderTokenExp, strconv.FormatInt(principal.ExpiresAt.Unix(), 10))
				}
				r = r.WithContext(contextWithPrincipal(r.Context(), principal))
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (cfg *GuardConfig) skipped(p string) bool {
	if path.Ext(p) != "" {
		return true
	}
	for _, prefix := range cfg.Skip {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

// LoginLocation builds the redirect target of a RedirectToLogin decision.
// Only the login page gets the callbackUrl parameter.
func LoginLocation(d access.Decision) string {
	login := d.LoginPath
	if login == "" {
		login = access.DefaultLoginPath
	}
	if d.Callback == "" || !strings.Contains(login, access.DefaultLoginPath) {
		return login
	}
	return login + "?" + url.Values{"callbackUrl": {d.Callback}}.Encode()
}

func redirectToLogin(w http.ResponseWriter, r *http.Request, d access.Decision) {
	NoCache(w)
	http.Redirect(w, r, LoginLocation(d), http.StatusFound)
}
