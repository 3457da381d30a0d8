package transport

import (
	"context"
	"net/http"
	"strings"
)

// TokenSource supplies the API token.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed token.
type StaticToken string

// Token implements TokenSource.
func (s StaticToken) Token(context.Context) (string, error) {
	return string(s), nil
}

// AuthTransport attaches the token to requests for the configured server
// host only, so redirects and absolute URLs elsewhere never see it.
type AuthTransport struct {
	Base   http.RoundTripper
	Host   string
	Tokens TokenSource
}

// RoundTrip implements http.RoundTripper.
func (t *AuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	if t.Tokens == nil || !strings.EqualFold(req.URL.Host, t.Host) || req.Header.Get("Authorization") != "" {
		return base.RoundTrip(req)
	}

	token, err := t.Tokens.Token(req.Context())
	if err != nil {
		if req.Body != nil {
			_ = req.Body.Close()
		}
		return nil, err
	}
	if token == "" {
		return base.RoundTrip(req)
	}

	r := req.Clone(req.Context())
	r.Header.Set("Authorization", "Token "+token)
	return base.RoundTrip(r)
}
