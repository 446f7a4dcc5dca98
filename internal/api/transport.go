package api

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/projectdesk/deskd/internal/tokenstore"
)

// RefreshFunc mints a new bearer token. It is injected at client
// construction so the transport never reaches into session logic.
type RefreshFunc func(ctx context.Context) (string, error)

// AuthTransport is the request pipeline around every outbound call: it
// attaches the bearer token from the store, and on a 401 coordinates a
// single in-flight refresh, replaying the request with the new token.
// Requests that hit a 401 while a refresh is running wait for that same
// refresh and observe the same token.
type AuthTransport struct {
	// Base is the underlying round tripper. http.DefaultTransport when nil.
	Base http.RoundTripper
	// Store provides the current bearer token.
	Store tokenstore.Store
	// Refresh mints a replacement token after a 401. When nil, 401s are
	// returned as-is.
	Refresh RefreshFunc
	// OnAuthFailure is invoked once per failed refresh, after the store
	// has been cleared. The session layer uses it to run its fatal-auth
	// path.
	OnAuthFailure func(error)

	gate refreshGate
}

func (t *AuthTransport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

// RoundTrip implements http.RoundTripper.
func (t *AuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	if t.Store != nil && out.Header.Get("Authorization") == "" {
		if token, err := t.Store.Get(); err == nil && token != "" {
			out.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := t.base().RoundTrip(out)
	if err != nil || resp.StatusCode != http.StatusUnauthorized || t.Refresh == nil {
		return resp, err
	}

	// The request body has been consumed; without GetBody the call cannot
	// be replayed.
	if req.Body != nil && req.GetBody == nil {
		return resp, nil
	}

	token, leader, refreshErr := t.gate.do(req.Context(), func() (string, error) {
		return t.Refresh(req.Context())
	})
	if refreshErr != nil {
		if leader {
			if t.Store != nil {
				if clearErr := t.Store.Clear(); clearErr != nil {
					log.Error().Err(clearErr).Msg("failed to clear token store after refresh failure")
				}
			}
			if t.OnAuthFailure != nil {
				t.OnAuthFailure(refreshErr)
			}
		}
		// Propagate the original 401 to the caller.
		return resp, nil
	}

	resp.Body.Close()

	retry := req.Clone(req.Context())
	retry.Header.Set("Authorization", "Bearer "+token)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		retry.Body = body
	}

	log.Debug().Str("method", retry.Method).Stringer("url", retry.URL).Msg("replaying request with refreshed token")
	return t.base().RoundTrip(retry)
}
