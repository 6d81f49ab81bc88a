// File: transport/listener.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"

	"github.com/momentics/hioload-uws/internal/logging"
	"github.com/momentics/hioload-uws/internal/metrics"
	"github.com/momentics/hioload-uws/loop"
)

// ListenOptions is the raw listen options bitmask.
type ListenOptions int

const (
	ListenDefault       ListenOptions = 0
	ListenExclusivePort ListenOptions = 1
	ListenAllowHalfOpen ListenOptions = 2
	ListenReusePort     ListenOptions = 4
	ListenIPv6Only      ListenOptions = 8
	ListenReuseAddr     ListenOptions = 16
)

// ListenSocket accepts connections and hands them to the loop.
type ListenSocket struct {
	ln      net.Listener
	l       *loop.Loop
	opts    ListenOptions
	closed  bool // loop goroutine only
	done    chan struct{}
	network string
}

// Listen binds network/address and starts accepting. Every accepted
// connection is wrapped with tls.Server when tlsConfig is set and passed to
// onAccept on the loop goroutine. Listen holds a loop ref until Close.
func Listen(l *loop.Loop, network, address string, opts ListenOptions, tlsConfig *tls.Config, onAccept func(net.Conn)) (*ListenSocket, error) {
	lc := net.ListenConfig{Control: listenControl(opts)}
	ln, err := lc.Listen(context.Background(), network, address)
	if err != nil {
		return nil, fmt.Errorf("listen %s %s: %w", network, address, err)
	}

	ls := &ListenSocket{
		ln:      ln,
		l:       l,
		opts:    opts,
		done:    make(chan struct{}),
		network: network,
	}
	l.Ref()
	metrics.ListenSockets.Inc()
	logging.Debug().Str("network", network).Str("addr", ln.Addr().String()).Msg("listening")

	go ls.acceptLoop(tlsConfig, onAccept)
	return ls, nil
}

func (ls *ListenSocket) acceptLoop(tlsConfig *tls.Config, onAccept func(net.Conn)) {
	defer close(ls.done)
	for {
		c, err := ls.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			logging.Error().Err(err).Str("addr", ls.ln.Addr().String()).Msg("accept failed")
			return
		}
		if tlsConfig != nil {
			c = tls.Server(c, tlsConfig)
		}
		ls.l.Defer(func() {
			if ls.closed {
				_ = c.Close()
				return
			}
			onAccept(c)
		})
	}
}

// Port returns the bound TCP port, or -1 for non-TCP listeners.
func (ls *ListenSocket) Port() int {
	if a, ok := ls.ln.Addr().(*net.TCPAddr); ok {
		return a.Port
	}
	return -1
}

// Addr returns the bound address.
func (ls *ListenSocket) Addr() net.Addr { return ls.ln.Addr() }

// Options returns the options the socket was created with.
func (ls *ListenSocket) Options() ListenOptions { return ls.opts }

// AllowHalfOpen reports whether accepted connections survive a read EOF
// until their pending response is written.
func (ls *ListenSocket) AllowHalfOpen() bool { return ls.opts&ListenAllowHalfOpen != 0 }

// Close stops accepting and releases the loop ref. Connections already
// accepted are unaffected. Loop goroutine only.
func (ls *ListenSocket) Close() {
	if ls.closed {
		return
	}
	ls.closed = true
	_ = ls.ln.Close()
	<-ls.done
	metrics.ListenSockets.Dec()
	ls.l.Unref()
}
