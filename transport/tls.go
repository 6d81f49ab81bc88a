// File: transport/tls.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"strings"

	"github.com/momentics/hioload-uws/api"
	"github.com/momentics/hioload-uws/internal/logging"
)

// ContextOptions describes a TLS server context. File names take precedence
// over the in-memory PEM lists.
type ContextOptions struct {
	KeyFileName             string
	CertFileName            string
	Passphrase              string
	DHParamsFileName        string
	CAFileName              string
	SSLCiphers              string
	SSLPreferLowMemoryUsage bool

	Key  []string
	Cert []string
	CA   []string

	RejectUnauthorized bool
	RequestCert        bool

	ClientRenegotiationLimit  uint32
	ClientRenegotiationWindow uint32
}

// IsZero reports whether no TLS material is configured.
func (o ContextOptions) IsZero() bool {
	return o.KeyFileName == "" && o.CertFileName == "" && len(o.Key) == 0 && len(o.Cert) == 0
}

// BuildTLSConfig turns o into a server tls.Config.
func BuildTLSConfig(o ContextOptions) (*tls.Config, error) {
	certPEM, err := pemSource(o.CertFileName, o.Cert)
	if err != nil {
		return nil, tlsError("read certificate", err)
	}
	keyPEM, err := pemSource(o.KeyFileName, o.Key)
	if err != nil {
		return nil, tlsError("read private key", err)
	}
	if len(certPEM) == 0 || len(keyPEM) == 0 {
		return nil, tlsError("certificate and key are required", nil)
	}
	if o.Passphrase != "" {
		if keyPEM, err = decryptKey(keyPEM, o.Passphrase); err != nil {
			return nil, tlsError("decrypt private key", err)
		}
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, tlsError("load key pair", err)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		NextProtos:   []string{"http/1.1"},
	}

	caPEM, err := pemSource(o.CAFileName, o.CA)
	if err != nil {
		return nil, tlsError("read CA", err)
	}
	if len(caPEM) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, tlsError("no certificates in CA", nil)
		}
		cfg.ClientCAs = pool
	}
	switch {
	case o.RequestCert && o.RejectUnauthorized:
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	case o.RequestCert && cfg.ClientCAs != nil:
		cfg.ClientAuth = tls.VerifyClientCertIfGiven
	case o.RequestCert:
		cfg.ClientAuth = tls.RequestClientCert
	}

	if o.SSLCiphers != "" {
		if cfg.CipherSuites, err = parseCiphers(o.SSLCiphers); err != nil {
			return nil, tlsError("cipher list", err)
		}
	}
	if o.DHParamsFileName != "" {
		logging.Debug().Str("file", o.DHParamsFileName).Msg("dh params ignored, ECDHE is always used")
	}
	return cfg, nil
}

func tlsError(msg string, err error) error {
	if err == nil {
		return fmt.Errorf("%w: %s", api.ErrTLSConfig, msg)
	}
	return fmt.Errorf("%w: %s: %w", api.ErrTLSConfig, msg, err)
}

func pemSource(file string, inline []string) ([]byte, error) {
	if file != "" {
		return os.ReadFile(file)
	}
	if len(inline) == 0 {
		return nil, nil
	}
	return []byte(strings.Join(inline, "\n")), nil
}

func decryptKey(keyPEM []byte, passphrase string) ([]byte, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("no PEM block")
	}
	//nolint:staticcheck // legacy encrypted PEM is the only format a passphrase applies to
	if !x509.IsEncryptedPEMBlock(block) {
		return keyPEM, nil
	}
	//nolint:staticcheck
	der, err := x509.DecryptPEMBlock(block, []byte(passphrase))
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: der}), nil
}

// parseCiphers maps a colon or comma separated list of IANA suite names.
// TLS 1.3 suites are not configurable and are skipped.
func parseCiphers(list string) ([]uint16, error) {
	known := make(map[string]uint16)
	for _, cs := range tls.CipherSuites() {
		known[cs.Name] = cs.ID
	}
	for _, cs := range tls.InsecureCipherSuites() {
		known[cs.Name] = cs.ID
	}

	var ids []uint16
	for _, name := range strings.FieldsFunc(list, func(r rune) bool { return r == ':' || r == ',' }) {
		name = strings.TrimSpace(name)
		if strings.HasPrefix(name, "TLS_AES_") || strings.HasPrefix(name, "TLS_CHACHA20_") {
			continue
		}
		id, ok := known[name]
		if !ok {
			return nil, fmt.Errorf("unknown cipher suite %q", name)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
