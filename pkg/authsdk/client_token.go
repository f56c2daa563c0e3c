package authsdk

import (
	"context"
	"encoding/json"
	"fmt"
)

// plainBackend speaks the flat JSON dialect:
//
//	POST /auth/login   {username, password} -> {user, accessToken, refreshCredential?, expiresIn}
//	POST /auth/refresh {refreshCredential}  -> {accessToken, refreshCredential?, expiresIn}
//	POST /auth/logout
//	GET  /auth/profile                      -> user
type plainBackend struct {
	c *SDKClient
}

func (b *plainBackend) Name() string { return BackendPlain }

func (b *plainBackend) Login(ctx context.Context, creds Credentials) (*TokenResponse, error) {
	resp, err := b.c.post(ctx, "login", "/auth/login", "", creds)
	if err != nil {
		return nil, err
	}

	var out plainLogin
	if err := decodeJSON("login", resp, &out); err != nil {
		return nil, err
	}
	return out.token()
}

func (b *plainBackend) CompleteMFA(
	ctx context.Context,
	challenge *MFARequiredError,
	method, code string,
) (*TokenResponse, error) {
	body := map[string]string{
		"mfaToken": challenge.MFAToken,
		"method":   method,
		"code":     code,
	}
	resp, err := b.c.post(ctx, "mfa", "/auth/mfa", "", body)
	if err != nil {
		return nil, err
	}

	var out plainLogin
	if err := decodeJSON("mfa", resp, &out); err != nil {
		return nil, err
	}
	return out.token()
}

func (b *plainBackend) Refresh(ctx context.Context, refreshCredential string) (*TokenResponse, error) {
	body := map[string]string{"refreshCredential": refreshCredential}
	resp, err := b.c.post(ctx, "refresh", "/auth/refresh", "", body)
	if err != nil {
		return nil, err
	}

	var out plainLogin
	if err := decodeJSON("refresh", resp, &out); err != nil {
		return nil, asRefreshFailure(err)
	}
	if out.AccessToken == "" {
		return nil, &RefreshFailedError{StatusCode: resp.StatusCode(), Message: "response carried no access token"}
	}
	return &TokenResponse{
		AccessToken:       out.AccessToken,
		RefreshCredential: out.RefreshCredential,
		ExpiresIn:         out.ExpiresIn,
	}, nil
}

func (b *plainBackend) Logout(ctx context.Context, accessToken string) error {
	resp, err := b.c.post(ctx, "logout", "/auth/logout", accessToken, nil)
	if err != nil {
		return err
	}
	return ClassifyResponse("logout", resp.StatusCode(), resp.Body())
}

func (b *plainBackend) ProfilePath() string { return "/auth/profile" }

func (b *plainBackend) DecodeProfile(body []byte) (*User, error) {
	var u User
	if err := json.Unmarshal(body, &u); err != nil {
		return nil, fmt.Errorf("failed to decode profile: %w", err)
	}
	return &u, nil
}

func (p *plainLogin) token() (*TokenResponse, error) {
	if p.AccessToken == "" {
		return nil, fmt.Errorf("failed to decode login response: missing access token")
	}
	return &TokenResponse{
		User:              p.User,
		AccessToken:       p.AccessToken,
		RefreshCredential: p.RefreshCredential,
		ExpiresIn:         p.ExpiresIn,
	}, nil
}
