package authsdk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-resty/resty/v2"
)

// post sends body as JSON to path. A transport failure comes back as a
// NetworkError; HTTP statuses are left to the caller.
func (c *SDKClient) post(ctx context.Context, op, path, bearer string, body any) (*resty.Response, error) {
	req := c.HTTP.R().SetContext(ctx)
	if body != nil {
		req.SetBody(body)
	}
	if bearer != "" {
		req.SetAuthToken(bearer)
	}

	resp, err := req.Post(path)
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}
	return resp, nil
}

// decodeJSON decodes a successful response into target, or returns the
// typed error for a failed one.
func decodeJSON(op string, resp *resty.Response, target any) error {
	if err := ClassifyResponse(op, resp.StatusCode(), resp.Body()); err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Body(), target); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}

// ClassifyResponse maps a non-2xx answer onto the error taxonomy:
//
//	5xx                      NetworkError (transient)
//	409 mfa_required         MFARequiredError
//	401/423/429 lockedUntil  LockoutError
//	401                      AuthenticationError
//	403                      AccessDeniedError
//	other 4xx                HTTPError
//
// It returns nil for 2xx.
func ClassifyResponse(op string, status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	if status >= http.StatusInternalServerError {
		return &NetworkError{Op: op, StatusCode: status}
	}

	// Best effort, an undecodable body still yields a typed error.
	var errResp ErrorResponse
	_ = json.Unmarshal(body, &errResp)

	if status == http.StatusConflict && errResp.Error == ErrorCodeMFARequired && errResp.MFAToken != "" {
		return &MFARequiredError{MFAToken: errResp.MFAToken, Methods: errResp.MFAMethods}
	}

	switch status {
	case http.StatusUnauthorized, http.StatusLocked, http.StatusTooManyRequests:
		if until := errResp.lockedUntil(); !until.IsZero() {
			return &LockoutError{Until: until}
		}
	}

	switch status {
	case http.StatusUnauthorized:
		return &AuthenticationError{
			StatusCode:        status,
			Message:           errResp.message(),
			RemainingAttempts: errResp.remaining(),
		}
	case http.StatusForbidden:
		return &AccessDeniedError{Message: errResp.message()}
	default:
		return &HTTPError{
			StatusCode: status,
			Code:       errResp.Error,
			Message:    errResp.message(),
			Body:       body,
		}
	}
}

// asRefreshFailure turns any non-transient refresh error into a
// RefreshFailedError.
func asRefreshFailure(err error) error {
	switch e := err.(type) {
	case nil:
		return nil
	case *NetworkError, *RefreshFailedError:
		return err
	case *AuthenticationError:
		return &RefreshFailedError{StatusCode: e.StatusCode, Message: e.Message}
	case *AccessDeniedError:
		return &RefreshFailedError{StatusCode: http.StatusForbidden, Message: e.Message}
	case *HTTPError:
		return &RefreshFailedError{StatusCode: e.StatusCode, Message: e.Message}
	default:
		return &RefreshFailedError{Err: err}
	}
}
