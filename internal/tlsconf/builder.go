// Package tlsconf builds the *tls.Config each ConnectionEndpoint dials
// with: ALPN pinned to h2, an HTTP/2-safe cipher filter, and either
// server-trust-only or mutual-TLS material.
package tlsconf

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
)

// h2SafeCipherSuites is the set of TLS 1.2 cipher suites RFC 7540
// Appendix A does not blocklist for HTTP/2 use, restricted further to
// suites Go's standard library implements. TLS 1.3 suites are
// negotiated independently and are never blocklisted.
var h2SafeCipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
}

// Options configures Build.
type Options struct {
	// Host is used for SNI and is the name the peer certificate is
	// verified against.
	Host string

	// RootCAs is the trust anchor set for the APNs server certificate.
	// nil selects the system root pool.
	RootCAs *x509.CertPool

	// ClientCertificate, when non-nil, enables mutual TLS: the client
	// presents this certificate instead of sending a bearer token.
	ClientCertificate *tls.Certificate
}

// Build returns a *tls.Config for dialing APNs per Options. ALPN
// always advertises exactly "h2" — negotiating anything else is
// treated as fatal by the caller once the handshake completes, per
// the ConnectionEndpoint contract.
func Build(opts Options) (*tls.Config, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("tlsconf: host is required")
	}

	cfg := &tls.Config{
		ServerName:   opts.Host,
		RootCAs:      opts.RootCAs,
		NextProtos:   []string{"h2"},
		MinVersion:   tls.VersionTLS12,
		CipherSuites: h2SafeCipherSuites,
	}

	if opts.ClientCertificate != nil {
		cfg.Certificates = []tls.Certificate{*opts.ClientCertificate}
	}

	return cfg, nil
}

// VerifyNegotiatedH2 returns an error if the completed handshake state
// did not negotiate the h2 ALPN protocol. Failure here is fatal for
// the connection per the TlsContextBuilder contract: any submissions
// queued against it resolve Failed.
func VerifyNegotiatedH2(state tls.ConnectionState) error {
	if state.NegotiatedProtocol != "h2" {
		return fmt.Errorf("tlsconf: peer did not negotiate h2 (got %q)", state.NegotiatedProtocol)
	}
	return nil
}
