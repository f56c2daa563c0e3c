package jwtx

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Signer is our interface for anything that can sign JWTs.
type Signer interface {
	Alg() string
	Sign(Claims) (string, error)
}

// NewSignerHS256 creates an HMAC-SHA256 signer. The session client never
// verifies signatures, this exists so fake servers can mint real tokens.
func NewSignerHS256(secret []byte) (Signer, error) {
	if len(secret) < 32 {
		return nil, errors.New("jwtx: hs256 secret must be at least 32 bytes")
	}
	return &hs256Signer{secret: secret}, nil
}

type hs256Signer struct {
	secret []byte
}

func (s *hs256Signer) Alg() string { return jwt.SigningMethodHS256.Alg() }

func (s *hs256Signer) Sign(c Claims) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := tok.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
