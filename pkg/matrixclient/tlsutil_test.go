package matrixclient

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeKeypair(t *testing.T, dir, cn string) (string, string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	certPath := filepath.Join(dir, "client.pem")
	keyPath := filepath.Join(dir, "client.key")

	require.NoError(t, os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))

	return certPath, keyPath
}

func commonName(t *testing.T, kpr *KeypairReloader) string {
	t.Helper()

	cert, err := kpr.GetClientCertificateFunc()(nil)
	require.NoError(t, err)

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)

	return leaf.Subject.CommonName
}

func TestKeypairReloader(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeKeypair(t, dir, "first")

	kpr, err := NewKeypairReloader(certPath, keyPath, logrus.WithField("prefix", "test"))
	require.NoError(t, err)
	assert.Equal(t, "first", commonName(t, kpr))

	writeKeypair(t, dir, "second")
	require.NoError(t, kpr.Reload())
	assert.Equal(t, "second", commonName(t, kpr))

	require.NoError(t, os.WriteFile(keyPath, []byte("garbage"), 0o600))
	assert.Error(t, kpr.Reload())
	assert.Equal(t, "second", commonName(t, kpr), "a failed reload keeps the old pair")

	assert.NotNil(t, kpr.HTTPClient(false).Transport)
}

func TestKeypairReloaderMissingFiles(t *testing.T) {
	_, err := NewKeypairReloader("/nonexistent/client.pem", "/nonexistent/client.key", logrus.WithField("prefix", "test"))
	assert.Error(t, err)
}
