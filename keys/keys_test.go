package keys_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	pkcs12lib "software.sslmate.com/src/go-pkcs12"

	"github.com/jchambers/pushy-go/keys"
)

func writeTestP12(t *testing.T, password string) string {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "pushyctl test"},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(derBytes)
	require.NoError(t, err)

	p12Data, err := pkcs12lib.Encode(rand.Reader, privateKey, cert, nil, password)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "test.p12")
	require.NoError(t, os.WriteFile(path, p12Data, 0o600))
	return path
}

func writeTestP8(t *testing.T) string {
	t.Helper()

	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	der, err := x509.MarshalPKCS8PrivateKey(privateKey)
	require.NoError(t, err)

	encoded := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	path := filepath.Join(t.TempDir(), "test.p8")
	require.NoError(t, os.WriteFile(path, encoded, 0o600))
	return path
}

func TestLoadP12_ValidFileAndPassword(t *testing.T) {
	path := writeTestP12(t, "correcthorse")

	cert, err := keys.LoadP12(path, "correcthorse")
	require.NoError(t, err)
	require.NotEmpty(t, cert.Certificate)
	require.NotNil(t, cert.PrivateKey)
}

func TestLoadP12_WrongPassword(t *testing.T) {
	path := writeTestP12(t, "correcthorse")

	_, err := keys.LoadP12(path, "wrong")
	require.Error(t, err)
}

func TestLoadP12_MissingFile(t *testing.T) {
	_, err := keys.LoadP12(filepath.Join(t.TempDir(), "missing.p12"), "anything")
	require.Error(t, err)
}

func TestLoadP8_ValidKey(t *testing.T) {
	path := writeTestP8(t)

	key, err := keys.LoadP8(path, "KEYID1234", "TEAM123456")
	require.NoError(t, err)
	require.Equal(t, "KEYID1234", key.KeyID)
	require.Equal(t, "TEAM123456", key.TeamID)
	require.NotNil(t, key.PrivateKey)
}

func TestLoadP8_NotPEM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.p8")
	require.NoError(t, os.WriteFile(path, []byte("not pem data"), 0o600))

	_, err := keys.LoadP8(path, "KEYID1234", "TEAM123456")
	require.Error(t, err)
}

func TestLoadP8_MissingFile(t *testing.T) {
	_, err := keys.LoadP8(filepath.Join(t.TempDir(), "missing.p8"), "KEYID1234", "TEAM123456")
	require.Error(t, err)
}
