package http

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/aussiebroadwan/sessionkit/pkg/access"
	"github.com/aussiebroadwan/sessionkit/pkg/authsdk"
	"github.com/aussiebroadwan/sessionkit/pkg/gateway"
	"github.com/aussiebroadwan/sessionkit/pkg/httpx"
	"github.com/aussiebroadwan/sessionkit/pkg/metricsx"
	"github.com/aussiebroadwan/sessionkit/pkg/session"
	"github.com/aussiebroadwan/sessionkit/pkg/slogx"
)

// Session is what the handlers need from the session controller.
type Session interface {
	session.Capability
	State() session.State
	Refresh(ctx context.Context) (string, error)
	Profile(ctx context.Context) (*authsdk.User, error)
	RecordActivity()
	Gateway() *gateway.Gateway
}

// Router holds shared dependencies for HTTP handlers.
type Router struct {
	Mux         *http.ServeMux
	middlewares []httpx.Middleware

	// LoginLimit and ProxyLimit default to the httpx presets.
	LoginLimit httpx.RateLimitConfig
	ProxyLimit httpx.RateLimitConfig

	session      Session
	table        *access.Table
	metrics      *metricsx.Metrics
	pages        http.Handler
	buildVersion string
	startTime    time.Time
	logger       *slog.Logger
}

func NewRouter(
	s Session,
	table *access.Table,
	metrics *metricsx.Metrics,
	buildVersion string,
	logger *slog.Logger,
) *Router {
	r := &Router{
		Mux:          http.NewServeMux(),
		LoginLimit:   httpx.LoginLimit,
		ProxyLimit:   httpx.ProxyLimit,
		session:      s,
		table:        table,
		metrics:      metrics,
		pages:        http.NotFoundHandler(),
		buildVersion: buildVersion,
		startTime:    time.Now(),
		logger:       logger,
	}

	r.middlewares = []httpx.Middleware{
		slogx.HTTPMiddleware(r.logger),
		SessionLogging(s),
		httpx.SecurityHeaders(),
	}

	return r
}

// ProxyPages sends guarded page requests that were let through to
// upstream. Without it they answer 404.
func (r *Router) ProxyPages(upstream string) error {
	u, err := url.Parse(upstream)
	if err != nil {
		return fmt.Errorf("invalid pages upstream: %w", err)
	}
	r.pages = httputil.NewSingleHostReverseProxy(u)
	return nil
}

func (r *Router) ApplyRoutes() {
	r.registerSession()
	r.registerAPI()
	r.registerSystem()
	r.registerPages()
}

// ServeHTTP implements http.Handler for Router and applies the global middleware chain.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	httpx.Chain(r.Mux, r.middlewares...).ServeHTTP(w, req)
}

func (r *Router) registerSession() {
	h := &SessionHandler{Session: r.session}

	// POST /login - strict rate limit by IP (credential guessing)
	r.Mux.Handle("POST /v1/session/login",
		httpx.Chain(http.HandlerFunc(h.HandleLogin),
			httpx.RateLimitByIP(r.LoginLimit),
		),
	)
	r.Mux.Handle("POST /v1/session/logout", http.HandlerFunc(h.HandleLogout))
	r.Mux.Handle("POST /v1/session/refresh", http.HandlerFunc(h.HandleRefresh))
	r.Mux.Handle("GET /v1/session", http.HandlerFunc(h.HandleState))
	r.Mux.Handle("GET /v1/session/profile", http.HandlerFunc(h.HandleProfile))
	r.Mux.Handle("POST /v1/activity", http.HandlerFunc(h.HandleActivity))

	r.Mux.Handle("GET /v1/authorize", AuthorizeHandler(r.session))
}

func (r *Router) registerAPI() {
	// Everything under /api/ goes upstream through the gateway.
	r.Mux.Handle("/api/",
		httpx.Chain(&ProxyHandler{Gateway: r.session.Gateway()},
			httpx.RateLimitByIP(r.ProxyLimit),
		),
	)
}

func (r *Router) registerSystem() {
	r.Mux.Handle("GET /healthz", HealthzHandler(r.startTime, r.buildVersion, r.session))
	r.Mux.Handle("GET /metrics", r.metrics.Handler())
}

func (r *Router) registerPages() {
	guard := httpx.Guard(httpx.GuardConfig{
		Table:     r.table,
		Principal: SessionPrincipal(r.session),
	})
	r.Mux.Handle("/", httpx.Chain(r.pages, guard))
}

// SessionLogging tags the request logger with the current session id.
func SessionLogging(s Session) httpx.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ctx := slogx.WithSessionID(req.Context(), s.State().SessionID)
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	}
}

// SessionPrincipal resolves every page request to the agent's own session.
func SessionPrincipal(s Session) httpx.PrincipalFunc {
	return func(*http.Request) httpx.Principal {
		st := s.State()
		if st.Status != session.Authenticated && st.Status != session.Refreshing {
			return httpx.Principal{}
		}
		p := httpx.Principal{Authenticated: true, ExpiresAt: st.ExpiresAt}
		if st.User != nil {
			p.UserID = st.User.ID
			p.Role = st.User.Role
		}
		return p
	}
}
