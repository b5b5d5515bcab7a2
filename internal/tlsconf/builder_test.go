package tlsconf

import (
	"crypto/tls"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuild_AdvertisesOnlyH2(t *testing.T) {
	cfg, err := Build(Options{Host: "api.push.apple.com"})
	require.NoError(t, err)
	require.Equal(t, []string{"h2"}, cfg.NextProtos)
	require.Equal(t, "api.push.apple.com", cfg.ServerName)
}

func TestBuild_RequiresHost(t *testing.T) {
	_, err := Build(Options{})
	require.Error(t, err)
}

func TestBuild_MutualTLSAttachesCertificate(t *testing.T) {
	cert := tls.Certificate{Certificate: [][]byte{{0x01}}}
	cfg, err := Build(Options{Host: "api.push.apple.com", ClientCertificate: &cert})
	require.NoError(t, err)
	require.Len(t, cfg.Certificates, 1)
}

func TestVerifyNegotiatedH2(t *testing.T) {
	require.NoError(t, VerifyNegotiatedH2(tls.ConnectionState{NegotiatedProtocol: "h2"}))
	require.Error(t, VerifyNegotiatedH2(tls.ConnectionState{NegotiatedProtocol: "http/1.1"}))
	require.Error(t, VerifyNegotiatedH2(tls.ConnectionState{}))
}
