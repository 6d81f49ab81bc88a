// File: app/ws_context.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package app

import (
	"strings"
	"time"

	"github.com/momentics/hioload-uws/api"
	"github.com/momentics/hioload-uws/internal/logging"
	"github.com/momentics/hioload-uws/internal/metrics"
	"github.com/momentics/hioload-uws/protocol"
)

// WebSocketContext is one WebSocket route: its behavior and the sockets
// upgraded through it.
type WebSocketContext[T any] struct {
	app      *App
	behavior WebSocketBehavior[T]

	idleFirst  time.Duration
	idleSecond time.Duration
	lifetime   time.Duration

	sockets map[*WebSocket[T]]struct{}
}

func newWebSocketContext[T any](a *App, b WebSocketBehavior[T]) *WebSocketContext[T] {
	c := &WebSocketContext[T]{
		app:      a,
		behavior: b,
		lifetime: time.Duration(b.MaxLifetime) * time.Minute,
		sockets:  make(map[*WebSocket[T]]struct{}),
	}
	if b.IdleTimeout > 0 {
		first, second := CalculateIdleTimeoutComponents(b.IdleTimeout, b.SendPingsAutomatically)
		c.idleFirst = time.Duration(first) * time.Second
		c.idleSecond = time.Duration(second) * time.Second
	}
	return c
}

// Behavior returns the route configuration.
func (c *WebSocketContext[T]) Behavior() WebSocketBehavior[T] { return c.behavior }

// NumSockets returns the number of open sockets on the route.
func (c *WebSocketContext[T]) NumSockets() int { return len(c.sockets) }

func (c *WebSocketContext[T]) handleUpgradeRequest(res *HttpResponse, req *HttpRequest) {
	key := req.Header("sec-websocket-key")
	if !protocol.IsValidKey(key) {
		req.SetYield(true)
		return
	}
	res.brokenCompression = protocol.HasBrokenCompression(req.Header("user-agent"))
	if h := c.behavior.Upgrade; h != nil {
		h(res, req, c)
		return
	}
	var zero T
	c.Upgrade(res, zero, key,
		req.Header("sec-websocket-protocol"),
		req.Header("sec-websocket-extensions"))
}

// Upgrade answers the request with 101 Switching Protocols and moves the
// socket to this route. key, subprotocol and extensions are the request's
// Sec-WebSocket-* headers, copied out if the upgrade happens after the
// handler returned. It returns nil when the response was already written,
// ended or aborted, or when the App was destroyed.
func (c *WebSocketContext[T]) Upgrade(res *HttpResponse, data T, key, subprotocol, extensions string) *WebSocket[T] {
	a := c.app
	if a.tree == nil || !res.writable() || res.statusWritten {
		return nil
	}
	b := &c.behavior

	var neg protocol.Negotiation
	if !res.brokenCompression {
		neg = protocol.NegotiateCompression(b.Compression, extensions)
	}

	var hdr strings.Builder
	hdr.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	hdr.WriteString("Upgrade: websocket\r\nConnection: Upgrade\r\n")
	hdr.WriteString(protocol.HeaderSecWebSocketAccept + ": " + protocol.ComputeAcceptKey(key) + "\r\n")
	if sp := protocol.FirstSubprotocol(subprotocol); sp != "" {
		hdr.WriteString(protocol.HeaderSecWebSocketProto + ": " + sp + "\r\n")
	}
	if neg.Enabled {
		hdr.WriteString(protocol.HeaderSecWebSocketExt + ": " + neg.Response + "\r\n")
	}
	hdr.WriteString("\r\n")

	conn := res.conn
	sock := conn.sock
	sock.Write([]byte(hdr.String()))

	ws := &WebSocket[T]{
		ctx:     c,
		sock:    sock,
		data:    data,
		state:   api.StateOpen,
		deflate: newDeflateState(a.l, neg),
	}
	ws.sub = a.tree.NewSubscriber(ws)

	conn.detach()
	sock.OnClose(ws.onSocketClose)
	sock.OnWritable(ws.onWritable)
	c.sockets[ws] = struct{}{}
	metrics.ConnectionsOpen.WithLabelValues("ws").Inc()

	logging.Debug().
		Str("socket", sock.ID().String()).
		Str("remote", sock.RemoteAddressText()).
		Bool("deflate", neg.Enabled).
		Msg("websocket upgraded")

	ws.armTimers()
	res.upgrade(ws)
	if h := b.Open; h != nil {
		sock.CorkScope(func() { h(ws) })
	}
	return ws
}

func (c *WebSocketContext[T]) closeAll() {
	for ws := range c.sockets {
		ws.sock.Close()
	}
}

func (c *WebSocketContext[T]) free() {
	clear(c.sockets)
}
