// Package authtest runs an in-process authentication API for tests. It
// speaks both backend dialects, mints real HS256 tokens with a controllable
// clock, and counts every call so tests can assert on network traffic.
package authtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pquerna/otp/totp"

	"github.com/aussiebroadwan/sessionkit/pkg/cryptox"
	"github.com/aussiebroadwan/sessionkit/pkg/jwtx"
)

const (
	DefaultAccessTTL   = 15 * time.Minute
	DefaultMaxAttempts = 5
	DefaultLockout     = 15 * time.Minute
)

// Account is a user known to the server.
type Account struct {
	ID          string
	Username    string
	Password    string
	Role        string
	Email       string
	FirstName   string
	LastName    string
	Permissions []string

	// TOTPSecret enables the second factor when set.
	TOTPSecret string
}

// Option configures a Server.
type Option func(*Server)

// WithEnvelope serves the legacy {success, message, data} dialect under
// /api/auth instead of the plain one under /auth.
func WithEnvelope() Option { return func(s *Server) { s.envelope = true } }

// WithClock makes the server mint and check tokens against now.
func WithClock(now func() time.Time) Option { return func(s *Server) { s.now = now } }

// WithAccessTTL sets the lifetime of minted access tokens.
func WithAccessTTL(d time.Duration) Option { return func(s *Server) { s.accessTTL = d } }

// WithoutRotation answers refreshes without a new refresh credential.
func WithoutRotation() Option { return func(s *Server) { s.rotate = false } }

// WithServerLockout makes the server lock accounts after repeated failures
// and report lockedUntil.
func WithServerLockout() Option { return func(s *Server) { s.serverLockout = true } }

// Server is a fake authentication API backed by httptest.Server.
type Server struct {
	*httptest.Server

	signer    jwtx.Signer
	envelope  bool
	now       func() time.Time
	accessTTL time.Duration
	rotate    bool

	serverLockout bool

	mu          sync.Mutex
	accounts    map[string]*Account
	failures    map[string]int
	lockedUntil map[string]time.Time
	refreshes   map[string]string // refresh credential -> username
	live        map[string]string // access token -> username
	mfa         map[string]string // mfa token -> username

	refreshFailure  int
	refreshGate     chan struct{}
	resourceFailure int
	resourceFails   int

	loginCalls    atomic.Int64
	refreshCalls  atomic.Int64
	logoutCalls   atomic.Int64
	resourceCalls atomic.Int64
}

// NewServer starts a server. Close it when done.
func NewServer(opts ...Option) *Server {
	signer, err := jwtx.NewSignerHS256([]byte(mustToken()))
	if err != nil {
		panic(err)
	}

	s := &Server{
		signer:      signer,
		now:         time.Now,
		accessTTL:   DefaultAccessTTL,
		rotate:      true,
		accounts:    make(map[string]*Account),
		failures:    make(map[string]int),
		lockedUntil: make(map[string]time.Time),
		refreshes:   make(map[string]string),
		live:        make(map[string]string),
		mfa:         make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	prefix := "/auth"
	if s.envelope {
		prefix = "/api/auth"
	}
	mux.HandleFunc("POST "+prefix+"/login", s.handleLogin)
	mux.HandleFunc("POST "+prefix+"/refresh", s.handleRefresh)
	mux.HandleFunc("POST "+prefix+"/logout", s.handleLogout)
	mux.HandleFunc("GET "+prefix+"/profile", s.handleProfile)
	if !s.envelope {
		mux.HandleFunc("POST /auth/mfa", s.handleMFA)
	}
	mux.HandleFunc("/api/resources/", s.handleResource)

	s.Server = httptest.NewServer(mux)
	return s
}

// AddAccount registers a user.
func (s *Server) AddAccount(a Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		a.ID = "u-" + a.Username
	}
	s.accounts[a.Username] = &a
}

// EnableTOTP generates and stores a TOTP secret for username.
func (s *Server) EnableTOTP(username string) string {
	key, err := totp.Generate(totp.GenerateOpts{Issuer: "authtest", AccountName: username})
	if err != nil {
		panic(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[username].TOTPSecret = key.Secret()
	return key.Secret()
}

// MintAccess issues a live access token for username with the given TTL.
func (s *Server) MintAccess(username string, ttl time.Duration) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mintLocked(s.accounts[username], ttl)
}

// IssueRefresh issues a refresh credential for username.
func (s *Server) IssueRefresh(username string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issueRefreshLocked(username)
}

// FailRefresh makes every refresh answer status; 0 restores normal behavior.
func (s *Server) FailRefresh(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshFailure = status
}

// HoldRefresh blocks refresh handlers until the returned func is called.
func (s *Server) HoldRefresh() (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.refreshGate = gate
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.refreshGate = nil
			s.mu.Unlock()
			close(gate)
		})
	}
}

// FailResources makes the next n resource calls answer status.
func (s *Server) FailResources(n, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resourceFails = n
	s.resourceFailure = status
}

// Revoke invalidates every access token, as a server-side session reset
// would.
func (s *Server) Revoke() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.live)
}

func (s *Server) LoginCalls() int    { return int(s.loginCalls.Load()) }
func (s *Server) RefreshCalls() int  { return int(s.refreshCalls.Load()) }
func (s *Server) LogoutCalls() int   { return int(s.logoutCalls.Load()) }
func (s *Server) ResourceCalls() int { return int(s.resourceCalls.Load()) }

func (s *Server) mintLocked(a *Account, ttl time.Duration) string {
	c := jwtx.NewAccessClaims(a.ID, a.Role, a.Permissions, ttl, s.now())
	c.Username = a.Username
	if s.envelope {
		c.LegacyID, c.LegacyRole, c.LegacyPermissions = c.Subject, c.Role, c.Permissions
		c.Subject, c.Role, c.Permissions = "", "", nil
	}
	tok, err := s.signer.Sign(c)
	if err != nil {
		panic(err)
	}
	s.live[tok] = a.Username
	return tok
}

func (s *Server) issueRefreshLocked(username string) string {
	cred := mustToken()
	s.refreshes[cred] = username
	return cred
}

// authorized returns the account behind a live, unexpired bearer token.
func (s *Server) authorized(r *http.Request) (*Account, bool) {
	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return nil, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	username, ok := s.live[raw]
	if !ok {
		return nil, false
	}
	if _, err := jwtx.ParseUnexpired(raw, s.now()); err != nil {
		return nil, false
	}
	return s.accounts[username], true
}

func mustToken() string {
	tok, err := cryptox.GenerateToken(cryptox.TokenSize256)
	if err != nil {
		panic(err)
	}
	return tok
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
