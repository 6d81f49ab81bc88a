// File: app/options.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package app

import (
	"time"

	"github.com/momentics/hioload-uws/pubsub"
	"github.com/momentics/hioload-uws/transport"
)

const (
	defaultHTTPIdleTimeout = 10 * time.Second
	defaultMaxHeaderBytes  = 4 * 1024
)

// SocketContextOptions configures TLS for an App or a server name.
type SocketContextOptions struct {
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

// The conversion fails to compile if the layouts ever diverge.
var _ = transport.ContextOptions(SocketContextOptions{})

func (o SocketContextOptions) transport() transport.ContextOptions {
	if o.ClientRenegotiationLimit == 0 {
		o.ClientRenegotiationLimit = 3
	}
	if o.ClientRenegotiationWindow == 0 {
		o.ClientRenegotiationWindow = 600
	}
	return transport.ContextOptions(o)
}

type options struct {
	senderPolicy      pubsub.Policy
	requireHostHeader bool
	httpIdleTimeout   time.Duration
	maxHeaderBytes    int
}

func defaultOptions() options {
	return options{
		senderPolicy:    pubsub.ExcludeSender,
		httpIdleTimeout: defaultHTTPIdleTimeout,
		maxHeaderBytes:  defaultMaxHeaderBytes,
	}
}

// Option configures an App.
type Option func(*options)

// WithSenderPolicy selects whether WebSocket.Publish reaches the publishing
// connection itself.
func WithSenderPolicy(p pubsub.Policy) Option {
	return func(o *options) { o.senderPolicy = p }
}

// WithRequireHostHeader rejects HTTP/1.1 requests without a Host header.
func WithRequireHostHeader(v bool) Option {
	return func(o *options) { o.requireHostHeader = v }
}

// WithHTTPIdleTimeout bounds how long a connection may sit between
// requests.
func WithHTTPIdleTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.httpIdleTimeout = d
		}
	}
}

// WithMaxHeaderBytes caps the request line plus headers.
func WithMaxHeaderBytes(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxHeaderBytes = n
		}
	}
}
