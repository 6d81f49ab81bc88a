package transport

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-uws/api"
)

// selfSigned returns PEM encoded certificate and key for host.
func selfSigned(t *testing.T, host string) (certPEM, keyPEM []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: host},
		DNSNames:              []string{host},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
}

func TestBuildTLSConfigFromMemory(t *testing.T) {
	certPEM, keyPEM := selfSigned(t, "localhost")
	cfg, err := BuildTLSConfig(ContextOptions{
		Cert:               []string{string(certPEM)},
		Key:                []string{string(keyPEM)},
		CA:                 []string{string(certPEM)},
		RequestCert:        true,
		RejectUnauthorized: true,
		SSLCiphers:         "TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256:TLS_AES_128_GCM_SHA256",
	})
	require.NoError(t, err)
	assert.Len(t, cfg.Certificates, 1)
	assert.NotNil(t, cfg.ClientCAs)
	assert.Equal(t, tls.RequireAndVerifyClientCert, cfg.ClientAuth)
	assert.Equal(t, []uint16{tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256}, cfg.CipherSuites)
}

func TestBuildTLSConfigFromFiles(t *testing.T) {
	certPEM, keyPEM := selfSigned(t, "localhost")
	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, certPEM, 0o600))
	require.NoError(t, os.WriteFile(keyFile, keyPEM, 0o600))

	cfg, err := BuildTLSConfig(ContextOptions{CertFileName: certFile, KeyFileName: keyFile})
	require.NoError(t, err)
	assert.Equal(t, tls.NoClientCert, cfg.ClientAuth)
}

func TestBuildTLSConfigErrors(t *testing.T) {
	certPEM, keyPEM := selfSigned(t, "localhost")
	tests := map[string]ContextOptions{
		"empty":          {},
		"missing file":   {CertFileName: "/nonexistent/cert.pem", KeyFileName: "/nonexistent/key.pem"},
		"garbage key":    {Cert: []string{string(certPEM)}, Key: []string{"not a key"}},
		"unknown cipher": {Cert: []string{string(certPEM)}, Key: []string{string(keyPEM)}, SSLCiphers: "ECDHE-RSA-AES128-GCM-SHA256"},
	}
	for name, opts := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := BuildTLSConfig(opts)
			require.Error(t, err)
			assert.True(t, errors.Is(err, api.ErrTLSConfig))
		})
	}
}

func TestContextOptionsIsZero(t *testing.T) {
	assert.True(t, ContextOptions{}.IsZero())
	assert.False(t, ContextOptions{CertFileName: "x"}.IsZero())
}
