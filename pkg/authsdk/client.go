package authsdk

import (
	"strings"

	"github.com/go-resty/resty/v2"

	"github.com/aussiebroadwan/sessionkit/pkg/httpx"
)

// SDKClient talks to the authentication endpoints of the API. It carries no
// session state; the session controller owns the tokens and passes them in.
type SDKClient struct {
	BaseURL string
	HTTP    *resty.Client
}

// NewSDKClient creates a client for baseURL. Options configure the shared
// resty transport (timeouts, logging, request IDs).
func NewSDKClient(baseURL string, opts ...httpx.ClientOption) *SDKClient {
	baseURL = strings.TrimSuffix(baseURL, "/")
	opts = append([]httpx.ClientOption{httpx.WithBaseURL(baseURL)}, opts...)

	return &SDKClient{
		BaseURL: baseURL,
		HTTP:    httpx.NewClient(opts...),
	}
}
