package jwtx

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var parser = jwt.NewParser()

// ParseUnverified decodes the claims of a compact JWT without checking its
// signature. The result must only drive client-side decisions such as
// refresh timing and navigation; the issuing server stays the authority.
func ParseUnverified(token string) (Claims, error) {
	if token == "" {
		return Claims{}, ErrMalformed
	}

	var c Claims
	if _, _, err := parser.ParseUnverified(token, &c); err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	c.normalize()

	if err := c.Validate(); err != nil {
		return Claims{}, err
	}
	return c, nil
}

// ParseUnexpired is ParseUnverified followed by an expiry check at now.
func ParseUnexpired(token string, now time.Time) (Claims, error) {
	c, err := ParseUnverified(token)
	if err != nil {
		return Claims{}, err
	}
	if c.ExpiredAt(now) {
		return c, ErrExpired
	}
	return c, nil
}
