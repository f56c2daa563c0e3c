package authsdk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// envelopeBackend speaks the legacy dialect where every answer is wrapped
// in {success, message, data} and paths live under /api.
type envelopeBackend struct {
	c *SDKClient
}

func (b *envelopeBackend) Name() string { return BackendEnvelope }

func (b *envelopeBackend) Login(ctx context.Context, creds Credentials) (*TokenResponse, error) {
	body := map[string]any{
		"username":   creds.Username,
		"password":   creds.Password,
		"recordarme": creds.Remember,
	}
	resp, err := b.c.post(ctx, "login", "/api/auth/login", "", body)
	if err != nil {
		return nil, err
	}

	var out envelope[legacyLogin]
	if err := decodeJSON("login", resp, &out); err != nil {
		return nil, err
	}
	if !out.Success || out.Data.Token == "" {
		return nil, &AuthenticationError{StatusCode: resp.StatusCode(), Message: out.Message}
	}

	return &TokenResponse{
		User:              out.Data.User.toUser(),
		AccessToken:       out.Data.Token,
		RefreshCredential: out.Data.RefreshToken,
		ExpiresIn:         out.Data.ExpiresIn,
	}, nil
}

func (b *envelopeBackend) CompleteMFA(context.Context, *MFARequiredError, string, string) (*TokenResponse, error) {
	return nil, ErrMFAUnsupported
}

func (b *envelopeBackend) Refresh(ctx context.Context, refreshCredential string) (*TokenResponse, error) {
	body := map[string]string{"refreshToken": refreshCredential}
	resp, err := b.c.post(ctx, "refresh", "/api/auth/refresh", "", body)
	if err != nil {
		return nil, err
	}

	var out envelope[legacyRefresh]
	if err := decodeJSON("refresh", resp, &out); err != nil {
		return nil, asRefreshFailure(err)
	}
	if !out.Success || out.Data.Token == "" {
		return nil, &RefreshFailedError{StatusCode: resp.StatusCode(), Message: out.Message}
	}

	return &TokenResponse{
		AccessToken:       out.Data.Token,
		RefreshCredential: out.Data.RefreshToken,
		ExpiresIn:         out.Data.ExpiresIn,
	}, nil
}

func (b *envelopeBackend) Logout(ctx context.Context, accessToken string) error {
	resp, err := b.c.post(ctx, "logout", "/api/auth/logout", accessToken, nil)
	if err != nil {
		return err
	}
	return ClassifyResponse("logout", resp.StatusCode(), resp.Body())
}

func (b *envelopeBackend) ProfilePath() string { return "/api/auth/profile" }

func (b *envelopeBackend) DecodeProfile(body []byte) (*User, error) {
	var out envelope[*legacyUser]
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to decode profile: %w", err)
	}
	if !out.Success || out.Data == nil {
		return nil, &HTTPError{StatusCode: http.StatusOK, Message: out.Message, Body: body}
	}
	return out.Data.toUser(), nil
}
