// File: internal/bridge/bridge.go
// Package bridge relays NATS messages into an App's topic tree.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A message published on NATS subject "<prefix>.<topic>" reaches every
// WebSocket subscribed to <topic>. Subjects use "." as separator, so the
// NATS subject "hioload.room.42" maps to topic "room.42".
package bridge

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/nats-io/nats.go"

	"github.com/momentics/hioload-uws/app"
	"github.com/momentics/hioload-uws/internal/logging"
	"github.com/momentics/hioload-uws/internal/metrics"
	"github.com/momentics/hioload-uws/protocol"
)

// Message headers understood by the bridge.
const (
	// HeaderOpcode is "text" or "binary" (default).
	HeaderOpcode = "Hioload-Opcode"
	// HeaderCompress set to "true" requests permessage-deflate where negotiated.
	HeaderCompress = "Hioload-Compress"
)

// Config selects the NATS server and subject namespace.
type Config struct {
	URL           string
	SubjectPrefix string
	Name          string
}

// Bridge is a suture service. Each Serve call owns one NATS connection.
type Bridge struct {
	cfg   Config
	app   *app.App
	ready chan struct{}
	once  sync.Once
}

// New creates a bridge feeding a.
func New(cfg Config, a *app.App) *Bridge {
	return &Bridge{cfg: cfg, app: a, ready: make(chan struct{})}
}

// Ready is closed once the first subscription is active.
func (b *Bridge) Ready() <-chan struct{} { return b.ready }

// String names the service in supervisor events.
func (b *Bridge) String() string { return "nats-bridge" }

// Serve connects, subscribes to "<prefix>.>" and relays until ctx ends.
func (b *Bridge) Serve(ctx context.Context) error {
	nc, err := nats.Connect(b.cfg.URL,
		nats.Name(b.cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logging.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logging.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return fmt.Errorf("connect to nats %s: %w", b.cfg.URL, err)
	}
	defer nc.Close()

	subject := b.cfg.SubjectPrefix + ".>"
	sub, err := nc.Subscribe(subject, b.relay)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	if err := nc.Flush(); err != nil {
		return fmt.Errorf("flush subscription: %w", err)
	}
	logging.Info().Str("subject", subject).Str("url", nc.ConnectedUrl()).Msg("nats bridge subscribed")
	b.once.Do(func() { close(b.ready) })

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		logging.Debug().Err(err).Msg("nats drain")
	}
	return ctx.Err()
}

// relay runs on a NATS goroutine and hands the message to the loop.
func (b *Bridge) relay(m *nats.Msg) {
	topic, ok := TopicOf(b.cfg.SubjectPrefix, m.Subject)
	if !ok {
		metrics.BridgeMessages.WithLabelValues("rejected").Inc()
		return
	}
	op := protocol.OpBinary
	compress := false
	if m.Header != nil {
		if strings.EqualFold(m.Header.Get(HeaderOpcode), "text") {
			op = protocol.OpText
		}
		compress = m.Header.Get(HeaderCompress) == "true"
	}
	if op == protocol.OpText && !utf8.Valid(m.Data) {
		logging.Debug().Str("topic", topic).Msg("dropping text message with invalid utf-8")
		metrics.BridgeMessages.WithLabelValues("rejected").Inc()
		return
	}
	data := m.Data
	b.app.Loop().Defer(func() {
		b.app.Publish(topic, data, op, compress)
	})
	metrics.BridgeMessages.WithLabelValues("published").Inc()
}

// TopicOf strips "<prefix>." from subject.
func TopicOf(prefix, subject string) (string, bool) {
	topic, ok := strings.CutPrefix(subject, prefix+".")
	if !ok || topic == "" {
		return "", false
	}
	return topic, true
}
