package authsdk

import (
	"context"
	"fmt"
	"strings"
)

// Wire shapes a backend may speak.
const (
	BackendPlain    = "plain"
	BackendEnvelope = "envelope"
)

// Backend is the strategy for one authentication API dialect. It is
// picked once at startup and never re-selected per call.
type Backend interface {
	// Name returns the configured backend kind.
	Name() string

	// Login exchanges credentials for tokens. It returns *MFARequiredError
	// when a second factor has to be submitted through CompleteMFA.
	Login(ctx context.Context, creds Credentials) (*TokenResponse, error)

	// CompleteMFA answers an MFA challenge with a one-time code.
	CompleteMFA(ctx context.Context, challenge *MFARequiredError, method, code string) (*TokenResponse, error)

	// Refresh trades a refresh credential for a new access token. An empty
	// RefreshCredential in the answer means the server did not rotate it.
	Refresh(ctx context.Context, refreshCredential string) (*TokenResponse, error)

	// Logout notifies the server. Callers treat failures as non-fatal.
	Logout(ctx context.Context, accessToken string) error

	// ProfilePath is the path of the authenticated profile endpoint.
	ProfilePath() string

	// DecodeProfile decodes a successful profile response body.
	DecodeProfile(body []byte) (*User, error)
}

// NewBackend resolves the backend strategy for kind.
func NewBackend(kind string, c *SDKClient) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case BackendPlain, "":
		return &plainBackend{c: c}, nil
	case BackendEnvelope:
		return &envelopeBackend{c: c}, nil
	default:
		return nil, fmt.Errorf("authsdk: unknown backend %q", kind)
	}
}
