// File: internal/daemon/daemon.go
// Package daemon assembles the hioload-uwsd process: a pub/sub WebSocket
// broker App, its admin API and the optional NATS bridge, all run under a
// suture supervisor.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/momentics/hioload-uws/app"
	"github.com/momentics/hioload-uws/internal/bridge"
	"github.com/momentics/hioload-uws/internal/config"
	"github.com/momentics/hioload-uws/internal/logging"
	"github.com/momentics/hioload-uws/loop"
	"github.com/momentics/hioload-uws/pubsub"
	"github.com/momentics/hioload-uws/transport"
)

// Daemon owns the supervisor tree and the services in it.
type Daemon struct {
	cfg    *config.Config
	app    *app.App
	listen *app.ListenSocket
	sup    *suture.Supervisor

	admin  *HTTPService
	bridge *bridge.Bridge
}

// New builds the App, binds its listener and prepares the services. Nothing
// runs until Run.
func New(cfg *config.Config) (*Daemon, error) {
	a, err := newApp(cfg)
	if err != nil {
		return nil, err
	}
	d := &Daemon{cfg: cfg, app: a}

	var opts transport.ListenOptions
	if cfg.Server.ReusePort {
		opts |= transport.ListenReusePort
	}
	cb := func(ls *app.ListenSocket) { d.listen = ls }
	if cfg.Server.UnixSocket != "" {
		a.ListenUnix(cfg.Server.UnixSocket, opts, cb)
	} else {
		a.ListenWithOptions(cfg.Server.Host, cfg.Server.Port, opts, cb)
	}
	if d.listen == nil {
		a.Destroy()
		return nil, errors.New("cannot bind broker listener")
	}

	d.sup = suture.New("hioload-uwsd", suture.Spec{
		EventHook:        logEvent,
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          10 * time.Second,
	})
	d.sup.Add(NewLoopService(a))
	if cfg.Admin.Enabled {
		d.admin = NewHTTPService("admin-api", cfg.Admin.Addr, NewAdminRouter(a, cfg.Admin.PublishRate))
		d.sup.Add(d.admin)
	}
	if cfg.NATS.Enabled {
		d.bridge = bridge.New(bridge.Config{
			URL:           cfg.NATS.URL,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			Name:          cfg.NATS.Name,
		}, a)
		d.sup.Add(d.bridge)
	}
	return d, nil
}

func newApp(cfg *config.Config) (*app.App, error) {
	policy := pubsub.ExcludeSender
	if cfg.WS.SenderPolicy == "include" {
		policy = pubsub.IncludeSender
	}
	opts := []app.Option{
		app.WithSenderPolicy(policy),
		app.WithRequireHostHeader(cfg.Server.RequireHostHeader),
		app.WithMaxHeaderBytes(cfg.Server.MaxHeaderBytes),
	}

	l := loop.New(loop.WithCPU(cfg.Server.LoopCPU))
	var a *app.App
	if t := cfg.Server.TLS; t.Enabled() {
		a = app.NewSSL(l, app.SocketContextOptions{
			CertFileName: t.CertFile,
			KeyFileName:  t.KeyFile,
			CAFileName:   t.CAFile,
			Passphrase:   t.Passphrase,
			SSLCiphers:   t.Ciphers,
		}, opts...)
	} else {
		a = app.New(l, opts...)
	}
	if a.ConstructorFailed() {
		return nil, fmt.Errorf("cannot create TLS context from %s", cfg.Server.TLS.CertFile)
	}

	path := cfg.WS.Path
	app.WS(a, path, BrokerBehavior(a, cfg.WS))
	a.Get(path, describe(path))
	a.Get("/healthz", func(res *app.HttpResponse, req *app.HttpRequest) {
		res.WriteHeader("Content-Type", "text/plain")
		res.End([]byte("ok"), false)
	})
	return a, nil
}

// Run blocks until ctx is cancelled or a service terminates the tree.
func (d *Daemon) Run(ctx context.Context) error {
	logging.Info().Str("addr", d.listen.Addr().String()).Str("ws", d.cfg.WS.Path).Msg("broker starting")
	err := d.sup.Serve(ctx)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// App returns the broker App.
func (d *Daemon) App() *app.App { return d.app }

// Addr is the broker listener address.
func (d *Daemon) Addr() net.Addr { return d.listen.Addr() }

// Admin returns the admin service, nil when disabled.
func (d *Daemon) Admin() *HTTPService { return d.admin }

// Bridge returns the NATS bridge, nil when disabled.
func (d *Daemon) Bridge() *bridge.Bridge { return d.bridge }

func logEvent(e suture.Event) {
	ev := logging.Warn()
	for k, v := range e.Map() {
		ev = ev.Interface(k, v)
	}
	ev.Msg(e.String())
}
