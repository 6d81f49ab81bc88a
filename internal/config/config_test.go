package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadLayers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "uwsd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 8080
ws:
  path: /chat
  idle_timeout: 30
  compression: shared
nats:
  enabled: true
  url: nats://broker:4222
`), 0o600))

	t.Setenv("HIOLOAD_WS_IDLE_TIMEOUT", "60")
	t.Setenv("HIOLOAD_SERVER_TLS_CERT_FILE", "/etc/cert.pem")
	t.Setenv("HIOLOAD_SERVER_TLS_KEY_FILE", "/etc/key.pem")
	t.Setenv("HIOLOAD_LOGGING_LEVEL", "debug")

	cfg, err := LoadFrom(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "/chat", cfg.WS.Path)
	assert.Equal(t, "shared", cfg.WS.Compression)
	assert.Equal(t, 60, cfg.WS.IdleTimeout, "environment wins over the file")
	assert.Equal(t, 64*1024, cfg.WS.MaxBackpressure, "defaults survive")
	assert.True(t, cfg.NATS.Enabled)
	assert.Equal(t, "nats://broker:4222", cfg.NATS.URL)
	assert.Equal(t, "/etc/cert.pem", cfg.Server.TLS.CertFile)
	assert.True(t, cfg.Server.TLS.Enabled())
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]map[string]string{
		"idle too small":    {"HIOLOAD_WS_IDLE_TIMEOUT": "5"},
		"lifetime too long": {"HIOLOAD_WS_MAX_LIFETIME": "241"},
		"bad compression":   {"HIOLOAD_WS_COMPRESSION": "maybe"},
		"relative path":     {"HIOLOAD_WS_PATH": "ws"},
		"cert without key":  {"HIOLOAD_SERVER_TLS_CERT_FILE": "/etc/cert.pem"},
		"bad level":         {"HIOLOAD_LOGGING_LEVEL": "loud"},
		"zero payload":      {"HIOLOAD_WS_MAX_PAYLOAD_LENGTH": "0"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := LoadFrom("")
			assert.Error(t, err)
		})
	}
}

func TestMissingFile(t *testing.T) {
	_, err := LoadFrom(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "ws.idle_timeout", envKey("HIOLOAD_WS_IDLE_TIMEOUT"))
	assert.Equal(t, "server.tls.cert_file", envKey("HIOLOAD_SERVER_TLS_CERT_FILE"))
	assert.Equal(t, "server.require_host_header", envKey("HIOLOAD_SERVER_REQUIRE_HOST_HEADER"))
	assert.Equal(t, "admin.addr", envKey("HIOLOAD_ADMIN_ADDR"))
}
