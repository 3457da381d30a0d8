package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"strings"
)

// TrustPolicy decides how server certificates are checked. Certificates are
// verified against the system roots unless the host was explicitly trusted
// by the user, which self-hosted servers with private certificates need.
type TrustPolicy struct {
	trusted map[string]struct{}
	// Roots overrides the system pool, mainly for tests.
	Roots *x509.CertPool
}

// NewTrustPolicy builds a policy trusting hosts (host or host:port).
func NewTrustPolicy(hosts []string) *TrustPolicy {
	p := &TrustPolicy{trusted: make(map[string]struct{}, len(hosts))}
	for _, h := range hosts {
		if h = normalizeHost(h); h != "" {
			p.trusted[h] = struct{}{}
		}
	}
	return p
}

func normalizeHost(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	if host, _, err := net.SplitHostPort(h); err == nil {
		return host
	}
	return strings.Trim(h, "[]")
}

// Trusted reports whether host skips certificate verification.
func (p *TrustPolicy) Trusted(host string) bool {
	_, ok := p.trusted[normalizeHost(host)]
	return ok
}

// ConfigFor returns the TLS configuration for a connection to host.
func (p *TrustPolicy) ConfigFor(host string) *tls.Config {
	host = normalizeHost(host)
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         host,
		RootCAs:            p.Roots,
		InsecureSkipVerify: p.Trusted(host),
	}
}

// DialTLSContext dials addr and performs the handshake with the per-host
// configuration.
func (p *TrustPolicy) DialTLSContext(dialer *net.Dialer) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		d := &tls.Dialer{NetDialer: dialer, Config: p.ConfigFor(addr)}
		return d.DialContext(ctx, network, addr)
	}
}
