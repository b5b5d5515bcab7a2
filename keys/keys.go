// Package keys loads the credential material ClientBuilder consumes —
// a .p12 client certificate for mutual TLS, or a .p8 private key for
// token authentication — from the files Apple's developer portal
// issues them as.
package keys

import (
	"crypto/ecdsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"software.sslmate.com/src/go-pkcs12"

	"github.com/jchambers/pushy-go/internal/authtoken"
)

// LoadP12 loads a tls.Certificate for mutual-TLS authentication from a
// PKCS#12 file and its password.
func LoadP12(path, password string) (tls.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("keys: reading p12 file %q: %w", path, err)
	}

	privateKey, cert, caCerts, err := pkcs12.DecodeChain(data, password)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("keys: decoding p12 file: %w", err)
	}

	tlsCert := tls.Certificate{
		Certificate: [][]byte{cert.Raw},
		PrivateKey:  privateKey,
	}
	for _, caCert := range caCerts {
		tlsCert.Certificate = append(tlsCert.Certificate, caCert.Raw)
	}

	return tlsCert, nil
}

// LoadP8 loads an ES256 private key from a .p8 (PEM-encoded PKCS#8)
// file and wraps it with keyID and teamID into a SigningKey.
func LoadP8(path, keyID, teamID string) (authtoken.SigningKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return authtoken.SigningKey{}, fmt.Errorf("keys: reading p8 file %q: %w", path, err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return authtoken.SigningKey{}, fmt.Errorf("keys: %q does not contain PEM data", path)
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return authtoken.SigningKey{}, fmt.Errorf("keys: parsing PKCS8 key: %w", err)
	}

	ecKey, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return authtoken.SigningKey{}, fmt.Errorf("keys: %q is not an ECDSA private key", path)
	}

	return authtoken.SigningKey{KeyID: keyID, TeamID: teamID, PrivateKey: ecKey}, nil
}
