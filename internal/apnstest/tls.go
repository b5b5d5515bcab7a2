package apnstest

import (
	"crypto/tls"
	"crypto/x509"
)

// ClientTLSConfig returns a *tls.Config that will trust this server's
// certificate and advertise h2 over ALPN, suitable for conn.Dial.
func (s *Server) ClientTLSConfig() *tls.Config {
	return &tls.Config{
		ServerName: "127.0.0.1",
		RootCAs:    s.CertPool(),
		NextProtos: []string{"h2"},
		MinVersion: tls.VersionTLS12,
	}
}

// CertPool returns a pool trusting only this server's certificate, for
// callers building their own *tls.Config (e.g. through
// tlsconf.Options.RootCAs).
func (s *Server) CertPool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(s.Certificate())
	return pool
}
