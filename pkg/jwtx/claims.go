package jwtx

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMalformed    = errors.New("jwtx: malformed token")
	ErrInvalidClaim = errors.New("jwtx: invalid claims")
	ErrExpired      = errors.New("jwtx: token expired")
)

// Claims are the access-token claims the session client reads. Nothing in
// here is trusted for authorization on the server side, the client only
// uses it to decide when to refresh and which routes to show.
type Claims struct {
	jwt.RegisteredClaims

	// Role of the authenticated user, e.g. "admin" or "catequista".
	Role string `json:"role,omitempty"`

	// Permissions granted to the user ["catequizandos:leer", ...]
	Permissions []string `json:"permissions,omitempty"`

	// Username for the authenticated user
	Username string `json:"username,omitempty"`

	// SID identifies the login session this token belongs to.
	SID string `json:"sid,omitempty"`

	/* Legacy fields issued by older backends */

	LegacyID          string   `json:"id,omitempty"`
	LegacyRole        string   `json:"tipo,omitempty"`
	LegacyPermissions []string `json:"permisos,omitempty"`
}

// NewAccessClaims builds minimally-correct claims.
func NewAccessClaims(subject, role string, permissions []string, ttl time.Duration, now time.Time) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        NewJTI(),
		},
		Role:        role,
		Permissions: permissions,
	}
}

// NewJTI returns a URL-safe random identifier for the "jti" claim.
func NewJTI() string {
	var b [20]byte
	_, _ = rand.Read(b[:])
	return base64.RawURLEncoding.EncodeToString(b[:])
}

// normalize folds the legacy claim names into the canonical ones.
func (c *Claims) normalize() {
	if c.Subject == "" {
		c.Subject = c.LegacyID
	}
	if c.Role == "" {
		c.Role = c.LegacyRole
	}
	if len(c.Permissions) == 0 {
		c.Permissions = c.LegacyPermissions
	}
	c.LegacyID, c.LegacyRole, c.LegacyPermissions = "", "", nil
}

// IssuedAtTime returns the iat claim in UTC or the zero time.
func (c *Claims) IssuedAtTime() time.Time {
	if c.IssuedAt == nil {
		return time.Time{}
	}
	return c.IssuedAt.UTC()
}

// ExpiresAtTime returns the exp claim in UTC or the zero time.
// NumericDate decodes into time.Local.
func (c *Claims) ExpiresAtTime() time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.UTC()
}

// ExpiredAt reports whether the token is expired at now. A token whose
// expiry equals now is expired, and a token without exp always is.
func (c *Claims) ExpiredAt(now time.Time) bool {
	if c.ExpiresAt == nil {
		return true
	}
	return !c.ExpiresAt.After(now)
}

// Remaining returns how long the token stays valid after now, never negative.
func (c *Claims) Remaining(now time.Time) time.Duration {
	if c.ExpiredAt(now) {
		return 0
	}
	return c.ExpiresAt.Sub(now)
}

// HasPermission reports whether p was granted in the token.
func (c *Claims) HasPermission(p string) bool {
	return slices.Contains(c.Permissions, p)
}

// Validate checks the shape invariants of the claims: an expiry must be
// present and it must come after issuance.
func (c *Claims) Validate() error {
	if c.ExpiresAt == nil {
		return ErrInvalidClaim
	}
	if c.IssuedAt != nil && !c.ExpiresAt.After(c.IssuedAt.Time) {
		return ErrInvalidClaim
	}
	return nil
}
