// File: app/servername.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package app

import (
	"crypto/tls"

	"github.com/momentics/hioload-uws/api"
	"github.com/momentics/hioload-uws/internal/logging"
	"github.com/momentics/hioload-uws/router"
	"github.com/momentics/hioload-uws/transport"
)

// AddServerName registers a virtual host pattern such as "*.example.com"
// with its own router and, when opts carries a certificate, its own TLS
// context.
func (a *App) AddServerName(pattern string, opts SocketContextOptions) *App {
	if a.failed {
		return a
	}
	if err := a.addServerName(pattern, opts); err != nil {
		logging.Warn().Err(err).Msg("cannot add server name")
	}
	return a
}

func (a *App) addServerName(pattern string, opts SocketContextOptions) error {
	if pattern == "" {
		return api.WrapError(api.ErrCodeInvalidArgument, "empty server name", api.ErrInvalidArgument)
	}
	v := &vhost{router: router.New[*routeArg]()}
	if !transport.ContextOptions(opts).IsZero() {
		cfg, err := transport.BuildTLSConfig(opts.transport())
		if err != nil {
			return api.WrapError(api.ErrCodeConfiguration, "cannot create TLS context for server name", err).
				WithContext("server_name", pattern)
		}
		v.tls = cfg
	}
	if !a.vhosts.Add(pattern, v) {
		return api.WrapError(api.ErrCodeAlreadyExists, "server name already registered", api.ErrAlreadyExists).
			WithContext("server_name", pattern)
	}
	return nil
}

// RemoveServerName drops the router and TLS context of pattern. If it was
// the current router, the default router becomes current.
func (a *App) RemoveServerName(pattern string) *App {
	if a.failed {
		return a
	}
	if err := a.removeServerName(pattern); err != nil {
		logging.Debug().Err(err).Msg("cannot remove server name")
	}
	return a
}

func (a *App) removeServerName(pattern string) error {
	v, ok := a.vhosts.Remove(pattern)
	if !ok {
		return api.WrapError(api.ErrCodeNotFound, "server name not registered", api.ErrNotFound).
			WithContext("server_name", pattern)
	}
	if a.current == v.router {
		a.current = a.defaultRouter
	}
	return nil
}

// MissingServerName is called on the loop when a TLS client asks for a
// host with no registered pattern. The handler may call AddServerName; the
// lookup is retried afterwards.
func (a *App) MissingServerName(fn func(hostname string)) *App {
	if !a.failed {
		a.missingServerName = fn
	}
	return a
}

// Domain selects the router that later route registrations modify.
func (a *App) Domain(pattern string) *App {
	if a.failed {
		return a
	}
	if v, ok := a.vhosts.Get(pattern); ok {
		a.current = v.router
	} else {
		a.current = a.defaultRouter
	}
	return a
}

func (a *App) routerFor(serverName string) *router.Router[*routeArg] {
	if serverName != "" {
		if v, ok := a.vhosts.Find(serverName); ok {
			return v.router
		}
	}
	return a.defaultRouter
}

// configForClient runs on the handshake goroutine.
func (a *App) configForClient(hello *tls.ClientHelloInfo) (*tls.Config, error) {
	name := hello.ServerName
	if name == "" {
		return nil, nil
	}
	var cfg *tls.Config
	a.l.Sync(func() {
		v, ok := a.vhosts.Find(name)
		if !ok && a.missingServerName != nil {
			a.missingServerName(name)
			v, ok = a.vhosts.Find(name)
		}
		if ok {
			cfg = v.tls
		}
	})
	return cfg, nil
}
