package transport

import (
	"net"
	"net/http"
	"time"
)

// Options configures NewHTTPClient.
type Options struct {
	Policy Policy
	Trust  *TrustPolicy
	// Host receives the Authorization header.
	Host   string
	Tokens TokenSource
	Online func() bool
	// Timeout bounds a single attempt up to the response headers.
	Timeout time.Duration
	// Base replaces the network transport, mainly for tests.
	Base http.RoundTripper
}

// NewHTTPClient builds the client every remote call goes through:
// auth header, then retry policy, then the TLS-checked network transport.
func NewHTTPClient(opts Options) *http.Client {
	base := opts.Base
	if base == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		trust := opts.Trust
		if trust == nil {
			trust = NewTrustPolicy(nil)
		}
		dialer := &net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}
		base = &http.Transport{
			DialContext:           dialer.DialContext,
			DialTLSContext:        trust.DialTLSContext(dialer),
			ResponseHeaderTimeout: timeout,
			IdleConnTimeout:       90 * time.Second,
			MaxIdleConnsPerHost:   4,
		}
	}

	return &http.Client{
		Transport: &AuthTransport{
			Host:   opts.Host,
			Tokens: opts.Tokens,
			Base: &RetryTransport{
				Base:   base,
				Policy: opts.Policy,
				Online: opts.Online,
			},
		},
	}
}
