// File: internal/config/config.go
// Package config loads the hioload-uwsd configuration.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Sources are layered with koanf, later ones winning:
//
//  1. built-in defaults
//  2. an optional YAML file named by HIOLOAD_CONFIG
//  3. HIOLOAD_* environment variables, e.g. HIOLOAD_WS_IDLE_TIMEOUT
//
// The merged result is checked with validator struct tags.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const (
	// PathEnvVar names the YAML file to load.
	PathEnvVar = "HIOLOAD_CONFIG"
	envPrefix  = "HIOLOAD_"
)

// Config is the daemon configuration.
type Config struct {
	Server  ServerConfig  `koanf:"server"`
	WS      WSConfig      `koanf:"ws"`
	Admin   AdminConfig   `koanf:"admin"`
	NATS    NATSConfig    `koanf:"nats"`
	Logging LoggingConfig `koanf:"logging"`
}

// ServerConfig describes the public listener.
type ServerConfig struct {
	Host              string `koanf:"host"`
	Port              int    `koanf:"port" validate:"min=0,max=65535"`
	UnixSocket        string `koanf:"unix_socket"`
	RequireHostHeader bool   `koanf:"require_host_header"`
	MaxHeaderBytes    int    `koanf:"max_header_bytes" validate:"min=512"`
	ReusePort         bool   `koanf:"reuse_port"`
	// LoopCPU pins the event loop thread; -1 disables pinning.
	LoopCPU int `koanf:"loop_cpu" validate:"min=-1"`
	TLS     TLS `koanf:"tls"`
}

// TLS holds PEM file paths. An empty CertFile serves plain text.
type TLS struct {
	CertFile   string `koanf:"cert_file" validate:"required_with=KeyFile"`
	KeyFile    string `koanf:"key_file" validate:"required_with=CertFile"`
	CAFile     string `koanf:"ca_file"`
	Passphrase string `koanf:"passphrase"`
	Ciphers    string `koanf:"ciphers"`
}

// Enabled reports whether a certificate is configured.
func (t TLS) Enabled() bool { return t.CertFile != "" }

// WSConfig is the broker's WebSocket route.
type WSConfig struct {
	Path                     string `koanf:"path" validate:"required,startswith=/"`
	Compression              string `koanf:"compression" validate:"oneof=disabled shared dedicated"`
	MaxPayloadLength         int    `koanf:"max_payload_length" validate:"min=1"`
	IdleTimeout              int    `koanf:"idle_timeout" validate:"omitempty,min=8,max=960"`
	MaxBackpressure          int    `koanf:"max_backpressure" validate:"min=0"`
	CloseOnBackpressureLimit bool   `koanf:"close_on_backpressure_limit"`
	ResetIdleTimeoutOnSend   bool   `koanf:"reset_idle_timeout_on_send"`
	SendPingsAutomatically   bool   `koanf:"send_pings_automatically"`
	MaxLifetime              int    `koanf:"max_lifetime" validate:"min=0,max=240"`
	SenderPolicy             string `koanf:"sender_policy" validate:"oneof=exclude include"`
}

// AdminConfig is the operator HTTP API.
type AdminConfig struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr" validate:"required_if=Enabled true"`
	// PublishRate is the number of publish requests allowed per client IP
	// per minute.
	PublishRate int `koanf:"publish_rate" validate:"min=1"`
}

// NATSConfig enables the NATS bridge.
type NATSConfig struct {
	Enabled       bool   `koanf:"enabled"`
	URL           string `koanf:"url" validate:"required_if=Enabled true"`
	SubjectPrefix string `koanf:"subject_prefix" validate:"required_if=Enabled true"`
	Name          string `koanf:"name"`
}

// LoggingConfig mirrors logging.Config.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           9001,
			MaxHeaderBytes: 4096,
			LoopCPU:        -1,
		},
		WS: WSConfig{
			Path:                   "/ws",
			Compression:            "disabled",
			MaxPayloadLength:       16 * 1024,
			IdleTimeout:            120,
			MaxBackpressure:        64 * 1024,
			SendPingsAutomatically: true,
			SenderPolicy:           "exclude",
		},
		Admin: AdminConfig{
			Enabled:     true,
			Addr:        "127.0.0.1:9002",
			PublishRate: 600,
		},
		NATS: NATSConfig{
			URL:           "nats://127.0.0.1:4222",
			SubjectPrefix: "hioload",
			Name:          "hioload-uwsd",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

var validate = validator.New()

// Validate checks the struct tags.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Load merges defaults, the file named by HIOLOAD_CONFIG and the
// environment.
func Load() (*Config, error) {
	return LoadFrom(os.Getenv(PathEnvVar))
}

// LoadFrom is Load with an explicit file path. An empty path skips the
// file layer.
func LoadFrom(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// sections are the top-level keys; the first underscore after one of them
// separates the section from the field.
var sections = []string{"server_tls", "server", "ws", "admin", "nats", "logging"}

// envKey maps HIOLOAD_WS_IDLE_TIMEOUT to ws.idle_timeout and
// HIOLOAD_SERVER_TLS_CERT_FILE to server.tls.cert_file.
func envKey(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
	for _, s := range sections {
		if rest, ok := strings.CutPrefix(key, s+"_"); ok {
			return strings.ReplaceAll(s, "_", ".") + "." + rest
		}
	}
	return key
}
