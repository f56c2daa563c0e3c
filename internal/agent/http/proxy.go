package http

import (
	"errors"
	"io"
	"net/http"

	"github.com/aussiebroadwan/sessionkit/pkg/authsdk"
	"github.com/aussiebroadwan/sessionkit/pkg/gateway"
	"github.com/aussiebroadwan/sessionkit/pkg/httpx"
)

// maxProxyBody bounds request bodies forwarded upstream.
const maxProxyBody = 4 << 20

// forwardedHeaders are copied from the caller to the upstream request.
var forwardedHeaders = []string{"Accept", "Accept-Language", "Content-Type", "If-None-Match"}

// ProxyHandler forwards /api/ requests upstream through the gateway, which
// attaches the session's bearer token, renews it on 401 and retries
// transient failures.
type ProxyHandler struct {
	Gateway *gateway.Gateway
}

func (h *ProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxProxyBody))
	if err != nil {
		httpx.WriteError(w, http.StatusRequestEntityTooLarge, "invalid_request", "request body too large")
		return
	}

	req := gateway.Request{
		Method: r.Method,
		URL:    r.URL.Path,
		Params: r.URL.Query(),
		Header: make(http.Header),
	}
	if len(body) > 0 {
		req.Body = body
	}
	for _, k := range forwardedHeaders {
		if v := r.Header.Get(k); v != "" {
			req.Header.Set(k, v)
		}
	}

	resp, err := h.Gateway.Send(r.Context(), req)
	if err != nil {
		// Upstream 4xx answers pass through untouched.
		var httpErr *authsdk.HTTPError
		if errors.As(err, &httpErr) && len(httpErr.Body) > 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(httpErr.StatusCode)
			_, _ = w.Write(httpErr.Body)
			return
		}
		writeSessionError(w, r, err)
		return
	}

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	httpx.NoCache(w)
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}
