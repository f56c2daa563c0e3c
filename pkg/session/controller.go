// Package session owns the authenticated-session lifecycle: login with
// lockout, silent token renewal, inactivity expiry and logout. A Controller
// is built once per process and handed to its users as a Capability.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/sync/singleflight"

	"github.com/aussiebroadwan/sessionkit/pkg/access"
	"github.com/aussiebroadwan/sessionkit/pkg/authsdk"
	"github.com/aussiebroadwan/sessionkit/pkg/clock"
	"github.com/aussiebroadwan/sessionkit/pkg/gateway"
	"github.com/aussiebroadwan/sessionkit/pkg/idx"
	"github.com/aussiebroadwan/sessionkit/pkg/inactivity"
	"github.com/aussiebroadwan/sessionkit/pkg/jwtx"
	"github.com/aussiebroadwan/sessionkit/pkg/metricsx"
	"github.com/aussiebroadwan/sessionkit/pkg/refresh"
	"github.com/aussiebroadwan/sessionkit/pkg/tokenstore"
)

const (
	DefaultMaxLoginAttempts = 5
	DefaultLockoutDuration  = 15 * time.Minute
)

// Capability is the narrow view of a session handed to request handlers.
type Capability interface {
	Login(ctx context.Context, creds authsdk.Credentials) (*authsdk.User, error)
	Logout(ctx context.Context) error
	Authorize(path string) access.Decision
}

var (
	_ Capability        = (*Controller)(nil)
	_ gateway.Refresher = (*Controller)(nil)
)

// Config tunes the controller. Zero values take the defaults.
type Config struct {
	RefreshThreshold time.Duration
	MaxLoginAttempts int
	LockoutDuration  time.Duration
	Inactivity       inactivity.Config
	Gateway          gateway.Config
}

// Deps are the collaborators of a Controller. Backend, Store and HTTP are
// required.
type Deps struct {
	Backend authsdk.Backend
	Store   *tokenstore.Store
	HTTP    *resty.Client

	// Clock defaults to the system clock.
	Clock clock.Scheduler

	// Table defaults to access.DefaultTable.
	Table *access.Table

	// OTP answers TOTP login challenges when set.
	OTP authsdk.OTPSource

	Logger  *slog.Logger
	Metrics *metricsx.Metrics
}

// State is a snapshot of the session.
type State struct {
	Status            Status        `json:"status"`
	SessionID         string        `json:"sessionId,omitempty"`
	User              *authsdk.User `json:"user,omitempty"`
	AccessToken       string        `json:"-"`
	RefreshCredential string        `json:"-"`
	ExpiresAt         time.Time     `json:"expiresAt,omitzero"`
	LastActivityAt    time.Time     `json:"lastActivityAt,omitzero"`
	FailedLoginCount  int           `json:"failedLoginCount"`
	LockoutUntil      time.Time     `json:"lockoutUntil,omitzero"`
}

// Controller is the session state machine. All state changes go through
// the transition table under mu; network calls are made without it.
type Controller struct {
	cfg     Config
	backend authsdk.Backend
	store   *tokenstore.Store
	clock   clock.Scheduler
	table   *access.Table
	otp     authsdk.OTPSource
	logger  *slog.Logger
	metrics *metricsx.Metrics

	scheduler *refresh.Scheduler
	monitor   *inactivity.Monitor
	gateway   *gateway.Gateway
	flight    singleflight.Group
	bg        sync.WaitGroup

	mu    sync.Mutex
	state State
	// gen changes whenever the session is torn down, so late results of
	// calls started before can be recognised and dropped.
	gen             uint64
	failWindowStart time.Time
	subscribers     map[int]func(State)
	nextSubscriber  int
}

// New wires a Controller together with its scheduler, inactivity monitor
// and request gateway. The controller starts Anonymous; call Restore to
// pick up a persisted session.
func New(cfg Config, deps Deps) (*Controller, error) {
	if deps.Backend == nil || deps.Store == nil || deps.HTTP == nil {
		return nil, errors.New("session: backend, store and http client are required")
	}
	if cfg.MaxLoginAttempts <= 0 {
		cfg.MaxLoginAttempts = DefaultMaxLoginAttempts
	}
	if cfg.LockoutDuration <= 0 {
		cfg.LockoutDuration = DefaultLockoutDuration
	}
	if deps.Clock == nil {
		deps.Clock = clock.NewReal()
	}
	if deps.Table == nil {
		t := access.DefaultTable()
		deps.Table = &t
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.Gateway.Timers == nil {
		cfg.Gateway.Timers = deps.Clock
	}

	c := &Controller{
		cfg:         cfg,
		backend:     deps.Backend,
		store:       deps.Store,
		clock:       deps.Clock,
		table:       deps.Table,
		otp:         deps.OTP,
		logger:      deps.Logger.With("component", "session"),
		metrics:     deps.Metrics,
		subscribers: make(map[int]func(State)),
	}
	c.scheduler = refresh.New(c.clock, cfg.RefreshThreshold, c.refreshDue)
	c.monitor = inactivity.New(c.clock, cfg.Inactivity, c.logger, c.inactivityTimeout)
	c.gateway = gateway.New(deps.HTTP, c.store, c, cfg.Gateway, deps.Logger, deps.Metrics)
	return c, nil
}

// Gateway returns the request gateway bound to this session.
func (c *Controller) Gateway() *gateway.Gateway { return c.gateway }

// Restore rebuilds the session from the token store. An unexpired token
// makes the session Authenticated and arms the refresh timer; an expired
// one with a refresh credential is renewed right away. Anything else
// leaves the session Anonymous and the store empty.
func (c *Controller) Restore(ctx context.Context) State {
	snap := c.store.Get(ctx)
	now := c.clock.Now()

	var (
		claims jwtx.Claims
		parsed bool
	)
	if snap.AccessToken != "" {
		var err error
		claims, err = jwtx.ParseUnverified(snap.AccessToken)
		if err != nil {
			c.logger.Warn("stored access token unreadable", "err", err)
		}
		parsed = err == nil
	}
	valid := parsed && !claims.ExpiredAt(now)

	if !valid && snap.RefreshCredential == "" {
		if !snap.IsZero() {
			c.logger.Info("stored session unusable, clearing")
			if err := c.store.Clear(ctx); err != nil {
				c.logger.Warn("failed to clear token store", "err", err)
			}
		}
		return c.State()
	}

	c.mu.Lock()
	if err := c.transitionLocked(Restored); err != nil {
		c.mu.Unlock()
		return c.State()
	}
	user := snap.User
	if user == nil && parsed {
		user = userFromClaims(claims)
	}
	c.state.SessionID = idx.NewSession().String()
	c.state.User = user
	c.state.AccessToken = snap.AccessToken
	c.state.RefreshCredential = snap.RefreshCredential
	if parsed {
		c.state.ExpiresAt = claims.ExpiresAtTime()
	}
	c.monitor.Start()
	if valid {
		c.scheduler.Arm(c.state.ExpiresAt)
	}
	c.mu.Unlock()

	c.logger.Info("session restored", "valid", valid, "expires_at", c.state.ExpiresAt)
	if !valid {
		if _, err := c.refresh(ctx, "restore"); err != nil {
			c.logger.Warn("restored session could not be renewed", "err", err)
		}
	}
	return c.State()
}

// Login authenticates with creds. While a lockout is running it fails with
// *authsdk.LockoutError without touching the network. A TOTP challenge is
// answered from the configured OTP source.
func (c *Controller) Login(ctx context.Context, creds authsdk.Credentials) (*authsdk.User, error) {
	now := c.clock.Now()

	c.mu.Lock()
	if now.Before(c.state.LockoutUntil) {
		err := &authsdk.LockoutError{Attempts: c.state.FailedLoginCount, Until: c.state.LockoutUntil}
		c.mu.Unlock()
		return nil, err
	}
	if !c.state.LockoutUntil.IsZero() ||
		(!c.failWindowStart.IsZero() && now.Sub(c.failWindowStart) >= c.cfg.LockoutDuration) {
		c.state.FailedLoginCount = 0
		c.state.LockoutUntil = time.Time{}
		c.failWindowStart = time.Time{}
	}
	if err := c.transitionLocked(LoginSubmit); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	gen := c.gen
	c.mu.Unlock()

	tok, err := c.backend.Login(ctx, creds)
	tok, err = c.answerChallenge(ctx, tok, err)

	var (
		expiresAt time.Time
		claims    jwtx.Claims
	)
	if err == nil {
		expiresAt, claims, err = c.tokenExpiry(tok)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen {
		return nil, authsdk.ErrSessionClosed
	}
	if err != nil {
		return nil, c.loginFailedLocked(err)
	}

	user := tok.User
	if user == nil {
		user = userFromClaims(claims)
	}
	_ = c.transitionLocked(LoginOK)
	c.state = State{
		Status:            Authenticated,
		SessionID:         idx.NewSession().String(),
		User:              user,
		AccessToken:       tok.AccessToken,
		RefreshCredential: tok.RefreshCredential,
		ExpiresAt:         expiresAt,
	}
	c.failWindowStart = time.Time{}
	c.persistLocked(ctx)
	c.monitor.Start()
	c.scheduler.Arm(expiresAt)

	c.logger.Info("login succeeded",
		"session_id", c.state.SessionID,
		"user", user.Username,
		"role", user.Role,
		"expires_at", expiresAt,
	)
	return cloneUser(user), nil
}

func (c *Controller) answerChallenge(
	ctx context.Context,
	tok *authsdk.TokenResponse,
	err error,
) (*authsdk.TokenResponse, error) {
	var challenge *authsdk.MFARequiredError
	if !errors.As(err, &challenge) || c.otp == nil || !slices.Contains(challenge.Methods, authsdk.MFAMethodTOTP) {
		return tok, err
	}

	code, err := c.otp.Code(c.clock.Now())
	if err != nil {
		return nil, err
	}
	return c.backend.CompleteMFA(ctx, challenge, authsdk.MFAMethodTOTP, code)
}

// loginFailedLocked counts a rejected login and decides between Anonymous
// and LockedOut. Failures that say nothing about the credentials (network,
// malformed answers) are not counted.
func (c *Controller) loginFailedLocked(err error) error {
	now := c.clock.Now()

	var (
		authErr *authsdk.AuthenticationError
		lockErr *authsdk.LockoutError
	)
	isAuth := errors.As(err, &authErr)
	isLock := errors.As(err, &lockErr)
	if !isAuth && !isLock {
		_ = c.transitionLocked(LoginFail)
		c.logger.Warn("login failed", "err", err)
		return err
	}

	if c.failWindowStart.IsZero() {
		c.failWindowStart = now
	}
	c.state.FailedLoginCount++

	var until time.Time
	switch {
	case isLock:
		until = lockErr.Until
	case isAuth:
		until = authErr.LockedUntil
	}
	exhausted := c.state.FailedLoginCount >= c.cfg.MaxLoginAttempts ||
		(isAuth && authErr.RemainingAttempts != nil && *authErr.RemainingAttempts <= 0)
	if exhausted {
		if local := now.Add(c.cfg.LockoutDuration); local.After(until) {
			until = local
		}
	}

	if !until.After(now) {
		_ = c.transitionLocked(LoginFail)
		c.metrics.RecordLoginFailure(false)
		c.logger.Warn("login rejected", "attempts", c.state.FailedLoginCount, "max_attempts", c.cfg.MaxLoginAttempts)
		return err
	}

	c.state.LockoutUntil = until
	_ = c.transitionLocked(LoginLocked)
	c.metrics.RecordLoginFailure(true)
	c.logger.Warn("login locked out", "attempts", c.state.FailedLoginCount, "until", until)
	return &authsdk.LockoutError{Attempts: c.state.FailedLoginCount, Until: until}
}

// Logout ends the session locally, then tells the server. It always
// succeeds and may be called any number of times.
func (c *Controller) Logout(ctx context.Context) error {
	c.mu.Lock()
	token := c.state.AccessToken
	c.gen++
	c.scheduler.Cancel()
	c.monitor.Stop()
	_ = c.transitionLocked(Logout)
	c.state = State{
		Status:           Anonymous,
		FailedLoginCount: c.state.FailedLoginCount,
		LockoutUntil:     c.state.LockoutUntil,
	}
	c.clearLocked(ctx)
	c.mu.Unlock()

	if token == "" {
		return nil
	}
	if err := c.backend.Logout(ctx, token); err != nil {
		c.logger.Warn("server logout failed, local session already cleared", "err", err)
	}
	return nil
}

// Refresh renews the access token and returns the new one. Concurrent
// callers, including the refresh timer, share a single network call. On
// failure the session is Expired and every caller gets the same
// *authsdk.RefreshFailedError, as does any later call until the next login.
// A logout while the call is in flight makes it return
// authsdk.ErrSessionClosed.
func (c *Controller) Refresh(ctx context.Context) (string, error) {
	return c.refresh(ctx, "reactive")
}

func (c *Controller) refresh(ctx context.Context, trigger string) (string, error) {
	c.mu.Lock()
	key := "refresh:" + strconv.FormatUint(c.gen, 10)
	c.mu.Unlock()

	ch := c.flight.DoChan(key, func() (any, error) {
		return c.doRefresh(context.WithoutCancel(ctx), trigger)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *Controller) doRefresh(ctx context.Context, trigger string) (string, error) {
	c.mu.Lock()
	switch c.state.Status {
	case Authenticated:
		_ = c.transitionLocked(TokenExpiring)
	case Refreshing:
	case Expired:
		// Callers that saw their 401 after the session ended fail the same
		// way as the ones that shared the failed renewal.
		c.mu.Unlock()
		return "", &authsdk.RefreshFailedError{Message: "session expired, log in again"}
	default:
		c.mu.Unlock()
		return "", &authsdk.AuthenticationError{StatusCode: http.StatusUnauthorized, Message: "no active session"}
	}

	gen := c.gen
	cred := c.state.RefreshCredential
	if cred == "" {
		err := &authsdk.RefreshFailedError{Err: &authsdk.TokenExpiredError{ExpiredAt: c.state.ExpiresAt}}
		notify := c.expireLocked(ctx, RefreshFailed)
		c.mu.Unlock()
		notify()
		c.metrics.RecordRefresh(trigger, "failure")
		return "", err
	}
	c.mu.Unlock()

	resp, err := c.backend.Refresh(ctx, cred)
	var expiresAt time.Time
	if err == nil {
		expiresAt, _, err = c.tokenExpiry(resp)
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		c.logger.Info("refresh result dropped, session ended meanwhile", "trigger", trigger)
		c.metrics.RecordRefresh(trigger, "discarded")
		return "", authsdk.ErrSessionClosed
	}
	if err != nil {
		notify := c.expireLocked(ctx, RefreshFailed)
		c.mu.Unlock()
		notify()
		c.logger.Warn("session refresh failed", "trigger", trigger, "err", err)
		c.metrics.RecordRefresh(trigger, "failure")
		return "", asRefreshFailed(err)
	}

	_ = c.transitionLocked(TokenRefreshed)
	c.state.AccessToken = resp.AccessToken
	if resp.RefreshCredential != "" {
		c.state.RefreshCredential = resp.RefreshCredential
	} else {
		c.logger.Debug("refresh credential not rotated, keeping the current one")
	}
	c.state.ExpiresAt = expiresAt
	c.persistLocked(ctx)
	delay := c.scheduler.Arm(expiresAt)
	token := c.state.AccessToken
	c.mu.Unlock()

	c.metrics.RecordRefresh(trigger, "success")
	c.logger.Info("session refreshed", "trigger", trigger, "expires_at", expiresAt, "next_refresh_in", delay)
	return token, nil
}

// refreshDue runs on the scheduler's timer, or synchronously from Arm when
// the token is already inside the threshold.
func (c *Controller) refreshDue() {
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		if _, err := c.refresh(context.Background(), "scheduled"); err != nil && !errors.Is(err, authsdk.ErrSessionClosed) {
			c.logger.Warn("scheduled refresh failed", "err", err)
		}
	}()
}

func (c *Controller) inactivityTimeout() {
	c.mu.Lock()
	if s := c.state.Status; s != Authenticated && s != Refreshing {
		c.mu.Unlock()
		return
	}
	notify := c.expireLocked(context.Background(), InactivityTimeout)
	c.mu.Unlock()
	notify()
}

// expireLocked moves to Expired on ev and tears the session down. The
// returned func notifies subscribers and must be called without mu.
func (c *Controller) expireLocked(ctx context.Context, ev Event) func() {
	_ = c.transitionLocked(ev)
	c.gen++
	c.scheduler.Cancel()
	c.monitor.Stop()
	c.state = State{
		Status:           c.state.Status,
		FailedLoginCount: c.state.FailedLoginCount,
		LockoutUntil:     c.state.LockoutUntil,
	}
	c.clearLocked(ctx)

	snap := c.state
	subs := make([]func(State), 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		subs = append(subs, fn)
	}
	return func() {
		for _, fn := range subs {
			fn(snap)
		}
	}
}

// OnExpired registers fn to run whenever the session expires, so the
// embedding application can send the user back to the login page. The
// returned func unregisters it.
func (c *Controller) OnExpired(fn func(State)) (cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSubscriber
	c.nextSubscriber++
	c.subscribers[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subscribers, id)
	}
}

// Authorize decides whether the current session may open path. Unmatched
// paths are allowed unless the table fails closed, and are logged.
func (c *Controller) Authorize(path string) access.Decision {
	d := c.table.Authorize(path, c.view())
	if !d.Matched() && d.Outcome == access.Allow {
		c.logger.Warn("no route policy matched, allowing", "path", path)
	}
	return d
}

// view treats a session that is renewing its token as signed in; the old
// token is still valid while the refresh is in flight.
func (c *Controller) view() access.View {
	c.mu.Lock()
	defer c.mu.Unlock()

	v := access.View{Authenticated: c.state.Status == Authenticated || c.state.Status == Refreshing}
	if v.Authenticated && c.state.User != nil {
		v.Role = c.state.User.Role
	}
	return v
}

// HasRole reports whether the session is signed in with one of roles. The
// table's admin role always qualifies.
func (c *Controller) HasRole(roles ...string) bool {
	v := c.view()
	if !v.Authenticated {
		return false
	}
	if c.table.AdminRole != "" && v.Role == c.table.AdminRole {
		return true
	}
	return slices.Contains(roles, v.Role)
}

// HasPermission reports whether the cached profile lists p.
func (c *Controller) HasPermission(p string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.User != nil && c.state.User.HasPermission(p)
}

// RecordActivity feeds the inactivity monitor.
func (c *Controller) RecordActivity() {
	c.monitor.RecordActivity()
}

// UpdateUser patches the cached profile and persists it.
func (c *Controller) UpdateUser(ctx context.Context, patch authsdk.UserPatch) (*authsdk.User, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.User == nil {
		return nil, authsdk.ErrUnauthenticated
	}
	u := patch.Apply(*c.state.User)
	c.state.User = &u
	c.persistLocked(ctx)
	return cloneUser(&u), nil
}

// Profile fetches the user's profile from the server through the gateway
// and replaces the cached copy.
func (c *Controller) Profile(ctx context.Context) (*authsdk.User, error) {
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()

	resp, err := c.gateway.Send(ctx, gateway.Request{Method: http.MethodGet, URL: c.backend.ProfilePath()})
	if err != nil {
		return nil, err
	}
	user, err := c.backend.DecodeProfile(resp.Body)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.state.Status != Authenticated {
		return nil, authsdk.ErrSessionClosed
	}
	c.state.User = user
	c.persistLocked(ctx)
	return cloneUser(user), nil
}

// State returns a snapshot of the session.
func (c *Controller) State() State {
	last := c.monitor.LastActivity()

	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.state
	s.User = cloneUser(s.User)
	if s.Status == Authenticated || s.Status == Refreshing {
		s.LastActivityAt = last
	}
	return s
}

// Close stops the timers and waits for a background refresh to finish.
// The token store is left open; it belongs to the caller.
func (c *Controller) Close() {
	c.mu.Lock()
	c.scheduler.Cancel()
	c.monitor.Stop()
	c.mu.Unlock()
	c.bg.Wait()
}

func (c *Controller) transitionLocked(ev Event) error {
	from := c.state.Status
	to, err := Transition(from, ev)
	if err != nil {
		return err
	}
	c.state.Status = to
	if from != to {
		c.metrics.RecordTransition(from.String(), to.String(), ev.String())
		c.logger.Debug("session transition", "from", from, "to", to, "event", ev)
	}
	return nil
}

func (c *Controller) persistLocked(ctx context.Context) {
	err := c.store.Set(ctx, tokenstore.Snapshot{
		AccessToken:       c.state.AccessToken,
		RefreshCredential: c.state.RefreshCredential,
		User:              c.state.User,
	})
	if err != nil {
		c.logger.Warn("failed to persist session", "err", err)
	}
}

func (c *Controller) clearLocked(ctx context.Context) {
	if err := c.store.Clear(ctx); err != nil {
		c.logger.Warn("failed to clear token store", "err", err)
	}
}

// tokenExpiry reads the expiry of a freshly issued token, falling back to
// expires_in when the token is opaque.
func (c *Controller) tokenExpiry(tok *authsdk.TokenResponse) (time.Time, jwtx.Claims, error) {
	claims, err := jwtx.ParseUnverified(tok.AccessToken)
	if err == nil {
		return claims.ExpiresAtTime(), claims, nil
	}
	if tok.ExpiresIn > 0 {
		return c.clock.Now().Add(time.Duration(tok.ExpiresIn) * time.Second), jwtx.Claims{}, nil
	}
	return time.Time{}, jwtx.Claims{}, fmt.Errorf("failed to read access token expiry: %w", err)
}

func asRefreshFailed(err error) error {
	var rf *authsdk.RefreshFailedError
	if errors.As(err, &rf) {
		return rf
	}
	return &authsdk.RefreshFailedError{Err: err}
}

func userFromClaims(c jwtx.Claims) *authsdk.User {
	return &authsdk.User{
		ID:          c.Subject,
		Username:    c.Username,
		Role:        c.Role,
		Permissions: slices.Clone(c.Permissions),
	}
}

func cloneUser(u *authsdk.User) *authsdk.User {
	if u == nil {
		return nil
	}
	cp := *u
	cp.Permissions = slices.Clone(u.Permissions)
	return &cp
}
