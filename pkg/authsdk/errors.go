package authsdk

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ============================================================================
// Error Codes
// ============================================================================

const (
	ErrorCodeInvalidCredentials = "invalid_credentials"
	ErrorCodeInvalidGrant       = "invalid_grant"
	ErrorCodeAccountLocked      = "account_locked"
	ErrorCodeMFARequired        = "mfa_required"
	ErrorCodeAccessDenied       = "access_denied"
	ErrorCodeServerError        = "server_error"
)

// ============================================================================
// Sentinels
// ============================================================================

// Every typed error below matches one of these with errors.Is, so callers
// can branch on the category without caring about the concrete type.
var (
	ErrUnauthenticated = errors.New("authsdk: unauthenticated")
	ErrTokenExpired    = errors.New("authsdk: token expired")
	ErrRefreshFailed   = errors.New("authsdk: refresh failed")
	ErrNetwork         = errors.New("authsdk: network failure")
	ErrAccessDenied    = errors.New("authsdk: access denied")
	ErrLockedOut       = errors.New("authsdk: locked out")

	// ErrSessionClosed is returned to calls that were waiting on a session
	// that has since been logged out.
	ErrSessionClosed = errors.New("authsdk: session closed")

	// ErrMFAUnsupported is returned by backends without a second factor step.
	ErrMFAUnsupported = errors.New("authsdk: backend does not support mfa")
)

// ============================================================================
// AuthenticationError
// ============================================================================

// AuthenticationError reports rejected credentials, or a request that stayed
// unauthorized after the session was refreshed.
type AuthenticationError struct {
	StatusCode int
	Message    string

	// RemainingAttempts is set when the server reports how many attempts
	// are left before it locks the account.
	RemainingAttempts *int

	// LockedUntil is set when the server reports the account as locked.
	LockedUntil time.Time
}

func (e *AuthenticationError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("authentication failed (HTTP %d)", e.StatusCode)
	}
	return "authentication failed: " + e.Message
}

func (e *AuthenticationError) Is(target error) bool { return target == ErrUnauthenticated }

// ============================================================================
// TokenExpiredError
// ============================================================================

// TokenExpiredError is raised internally when the access token is past its
// expiry. It is resolved by a silent refresh and only escapes when no
// refresh credential is available.
type TokenExpiredError struct {
	ExpiredAt time.Time
}

func (e *TokenExpiredError) Error() string {
	return "access token expired at " + e.ExpiredAt.UTC().Format(time.RFC3339)
}

func (e *TokenExpiredError) Is(target error) bool { return target == ErrTokenExpired }

// ============================================================================
// RefreshFailedError
// ============================================================================

// RefreshFailedError means the refresh credential was rejected or the
// refresh could not complete. The session is gone and the user has to log
// in again.
type RefreshFailedError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *RefreshFailedError) Error() string {
	switch {
	case e.Err != nil:
		return "refresh failed: " + e.Err.Error()
	case e.Message != "":
		return "refresh failed: " + e.Message
	default:
		return fmt.Sprintf("refresh failed (HTTP %d)", e.StatusCode)
	}
}

func (e *RefreshFailedError) Unwrap() error { return e.Err }

func (e *RefreshFailedError) Is(target error) bool { return target == ErrRefreshFailed }

// ============================================================================
// NetworkError
// ============================================================================

// NetworkError is a transient failure: transport error, timeout or 5xx.
type NetworkError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: HTTP %d %s", e.Op, e.StatusCode, http.StatusText(e.StatusCode))
}

func (e *NetworkError) Unwrap() error { return e.Err }

func (e *NetworkError) Is(target error) bool { return target == ErrNetwork }

// ============================================================================
// AccessDeniedError
// ============================================================================

// AccessDeniedError is an authorization failure: the caller is known but its
// role is not allowed. It never triggers a refresh.
type AccessDeniedError struct {
	Resource string
	Role     string
	Message  string
}

func (e *AccessDeniedError) Error() string {
	msg := "access denied"
	if e.Resource != "" {
		msg += " to " + e.Resource
	}
	if e.Role != "" {
		msg += " for role " + e.Role
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

func (e *AccessDeniedError) Is(target error) bool { return target == ErrAccessDenied }

// ============================================================================
// LockoutError
// ============================================================================

// LockoutError is returned after too many failed logins. Until is when the
// next attempt will be accepted.
type LockoutError struct {
	Attempts int
	Until    time.Time
}

func (e *LockoutError) Error() string {
	return fmt.Sprintf("too many failed login attempts (%d), locked until %s",
		e.Attempts, e.Until.UTC().Format(time.RFC3339))
}

func (e *LockoutError) Is(target error) bool { return target == ErrLockedOut }

// RetryAfter returns how long the caller has to wait at now.
func (e *LockoutError) RetryAfter(now time.Time) time.Duration {
	if d := e.Until.Sub(now); d > 0 {
		return d
	}
	return 0
}

// ============================================================================
// HTTPError
// ============================================================================

// HTTPError is any other 4xx answer. It is surfaced as-is, without retry.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
	Body       []byte
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// ============================================================================
// MFA Challenge
// ============================================================================

// MFARequiredError is returned with 409 Conflict when the credentials were
// right but a second factor is needed to finish the login.
type MFARequiredError struct {
	// MFAToken is the token to use when submitting the MFA response
	MFAToken string `json:"mfa_token"`

	// Methods lists the available MFA methods (e.g., ["totp", "backup_codes"])
	Methods []string `json:"mfa_methods"`
}

func (e *MFARequiredError) Error() string {
	return fmt.Sprintf("MFA required: available methods=%v", e.Methods)
}

// IsTransient reports whether err is worth retrying. A failed refresh is
// final even when a network error caused it.
func IsTransient(err error) bool {
	return errors.Is(err, ErrNetwork) && !errors.Is(err, ErrRefreshFailed)
}
