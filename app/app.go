// File: app/app.go
// Package app is the HTTP and WebSocket facade: routes, WebSocket behaviors,
// listen sockets, virtual hosts and the pub/sub TopicTree shared by every
// WebSocket route of one App.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// An App belongs to one loop. Builder methods run before Run or on the loop
// goroutine; from elsewhere, go through loop.Defer or loop.Sync.

package app

import (
	"crypto/tls"
	"net"
	"net/http"
	"strconv"

	"github.com/momentics/hioload-uws/internal/logging"
	"github.com/momentics/hioload-uws/internal/metrics"
	"github.com/momentics/hioload-uws/loop"
	"github.com/momentics/hioload-uws/protocol"
	"github.com/momentics/hioload-uws/pubsub"
	"github.com/momentics/hioload-uws/router"
	"github.com/momentics/hioload-uws/transport"
)

// HandlerFunc handles one HTTP request.
type HandlerFunc func(res *HttpResponse, req *HttpRequest)

// ListenSocket is a bound listener.
type ListenSocket = transport.ListenSocket

type routeArg struct {
	res *HttpResponse
	req *HttpRequest
}

type vhost struct {
	tls    *tls.Config
	router *router.Router[*routeArg]
}

// wsRoute is implemented by every WebSocketContext regardless of its user
// data type.
type wsRoute interface {
	closeAll()
	free()
}

// App is an HTTP and WebSocket server bound to one loop.
type App struct {
	l      *loop.Loop
	opts   options
	failed bool

	tlsConfig *tls.Config

	defaultRouter *router.Router[*routeArg]
	current       *router.Router[*routeArg]
	vhosts        *transport.SNITree[*vhost]

	missingServerName func(hostname string)
	filters           []func(res *HttpResponse, delta int)
	clientError       func(remote string, err error)

	tree       *pubsub.TopicTree
	drainCork  bool
	wsContexts []wsRoute

	listeners []*transport.ListenSocket
	conns     map[*httpConn]struct{}
}

// New creates a plain text App on l.
func New(l *loop.Loop, opts ...Option) *App {
	a := &App{
		l:             l,
		opts:          defaultOptions(),
		defaultRouter: router.New[*routeArg](),
		vhosts:        transport.NewSNITree[*vhost](),
		conns:         make(map[*httpConn]struct{}),
	}
	a.current = a.defaultRouter
	for _, o := range opts {
		o(&a.opts)
	}
	return a
}

// NewSSL creates a TLS App. When the TLS context cannot be built the App is
// marked failed and every builder method becomes a no-op.
func NewSSL(l *loop.Loop, tlsOpts SocketContextOptions, opts ...Option) *App {
	a := New(l, opts...)
	cfg, err := transport.BuildTLSConfig(tlsOpts.transport())
	if err != nil {
		logging.Error().Err(err).Msg("cannot create TLS context")
		a.failed = true
		return a
	}
	cfg.GetConfigForClient = a.configForClient
	a.tlsConfig = cfg
	return a
}

// ConstructorFailed reports whether the App could not be created.
func (a *App) ConstructorFailed() bool { return a.failed }

// Loop returns the owning loop.
func (a *App) Loop() *loop.Loop { return a.l }

func (a *App) handle(method, pattern string, h HandlerFunc, p router.Priority) *App {
	if a.failed {
		return a
	}
	if h == nil {
		a.current.Remove(method, pattern, p)
		return a
	}
	err := a.current.Add(method, pattern, func(arg *routeArg, params router.Params) bool {
		arg.req.params = params
		arg.req.yield = false
		h(arg.res, arg.req)
		return !arg.req.yield
	}, p)
	if err != nil {
		logging.Error().Err(err).Str("method", method).Str("pattern", pattern).Msg("cannot add route")
	}
	return a
}

func (a *App) Get(pattern string, h HandlerFunc) *App {
	return a.handle(http.MethodGet, pattern, h, router.MediumPriority)
}

func (a *App) Post(pattern string, h HandlerFunc) *App {
	return a.handle(http.MethodPost, pattern, h, router.MediumPriority)
}

func (a *App) Options(pattern string, h HandlerFunc) *App {
	return a.handle(http.MethodOptions, pattern, h, router.MediumPriority)
}

func (a *App) Delete(pattern string, h HandlerFunc) *App {
	return a.handle(http.MethodDelete, pattern, h, router.MediumPriority)
}

func (a *App) Patch(pattern string, h HandlerFunc) *App {
	return a.handle(http.MethodPatch, pattern, h, router.MediumPriority)
}

func (a *App) Put(pattern string, h HandlerFunc) *App {
	return a.handle(http.MethodPut, pattern, h, router.MediumPriority)
}

func (a *App) Head(pattern string, h HandlerFunc) *App {
	return a.handle(http.MethodHead, pattern, h, router.MediumPriority)
}

func (a *App) Connect(pattern string, h HandlerFunc) *App {
	return a.handle(http.MethodConnect, pattern, h, router.MediumPriority)
}

func (a *App) Trace(pattern string, h HandlerFunc) *App {
	return a.handle(http.MethodTrace, pattern, h, router.MediumPriority)
}

// Any matches every method, after the method specific routes of the same
// pattern.
func (a *App) Any(pattern string, h HandlerFunc) *App {
	return a.handle(router.AnyMethod, pattern, h, router.LowPriority)
}

// ClearRoutes drops every route of the current router.
func (a *App) ClearRoutes() *App {
	if !a.failed {
		a.current.Clear()
	}
	return a
}

// Filter observes HTTP connections opening (+1) and closing (-1).
func (a *App) Filter(fn func(res *HttpResponse, delta int)) *App {
	if !a.failed && fn != nil {
		a.filters = append(a.filters, fn)
	}
	return a
}

// OnClientError is called for requests that cannot be parsed, before the
// connection is answered with 400 and closed.
func (a *App) OnClientError(fn func(remote string, err error)) *App {
	if !a.failed {
		a.clientError = fn
	}
	return a
}

// WS registers a WebSocket route. Invalid timeouts terminate the process.
func WS[T any](a *App, pattern string, b WebSocketBehavior[T]) *App {
	if a.failed {
		return a
	}
	if err := ValidateBehavior(b); err != nil {
		logging.Fatal().Msg(err.Error())
		return a
	}
	if a.tree == nil {
		a.tree = pubsub.New(a.deliver, pubsub.WithSenderPolicy(a.opts.senderPolicy))
		drain := func(*loop.Loop) { a.drain() }
		a.l.AddPreHandler(a, drain)
		a.l.AddPostHandler(a, drain)
	}
	ctx := newWebSocketContext(a, b)
	a.wsContexts = append(a.wsContexts, ctx)
	return a.handle(http.MethodGet, pattern, ctx.handleUpgradeRequest, router.HighPriority)
}

// Publish sends msg to every subscriber of topic. Messages of at least
// transport.CorkBufferSize bytes are not copied; keep msg unchanged until
// the next loop iteration.
func (a *App) Publish(topic string, msg []byte, op protocol.OpCode, compress bool) bool {
	if a.failed {
		return false
	}
	return a.publish(nil, topic, msg, op, compress)
}

// NumSubscribers returns the subscriber count of topic.
func (a *App) NumSubscribers(topic string) int {
	if a.tree == nil {
		return 0
	}
	return a.tree.NumSubscribers(topic)
}

// Listen binds every interface on port.
func (a *App) Listen(port int, cb func(*ListenSocket)) *App {
	return a.ListenWithOptions("", port, transport.ListenDefault, cb)
}

// ListenHost binds host:port.
func (a *App) ListenHost(host string, port int, cb func(*ListenSocket)) *App {
	return a.ListenWithOptions(host, port, transport.ListenDefault, cb)
}

// ListenWithOptions binds host:port with a raw options bitmask.
func (a *App) ListenWithOptions(host string, port int, opts transport.ListenOptions, cb func(*ListenSocket)) *App {
	network := "tcp"
	if opts&transport.ListenIPv6Only != 0 {
		network = "tcp6"
	}
	return a.listen(network, net.JoinHostPort(host, strconv.Itoa(port)), opts, cb)
}

// ListenUnix binds a unix domain socket at path.
func (a *App) ListenUnix(path string, opts transport.ListenOptions, cb func(*ListenSocket)) *App {
	return a.listen("unix", path, opts, cb)
}

func (a *App) listen(network, address string, opts transport.ListenOptions, cb func(*ListenSocket)) *App {
	if a.failed {
		if cb != nil {
			cb(nil)
		}
		return a
	}
	ls, err := transport.Listen(a.l, network, address, opts, a.tlsConfig, a.accept)
	if err != nil {
		logging.Error().Err(err).Msg("listen failed")
		ls = nil
	} else {
		a.listeners = append(a.listeners, ls)
		logging.Info().Str("addr", ls.Addr().String()).Bool("tls", a.tlsConfig != nil).Msg("listening")
	}
	if cb != nil {
		cb(ls)
	}
	return a
}

// Run runs the loop until it has nothing left to do.
func (a *App) Run() { a.l.Run() }

// Close stops listening and closes WebSocket then HTTP connections.
func (a *App) Close() {
	for _, ls := range a.listeners {
		ls.Close()
	}
	a.listeners = nil
	for _, ctx := range a.wsContexts {
		ctx.closeAll()
	}
	for c := range a.conns {
		c.sock.Close()
	}
}

// Destroy closes the App and releases its routes, contexts and TopicTree.
func (a *App) Destroy() {
	a.Close()
	for _, ctx := range a.wsContexts {
		ctx.free()
	}
	a.wsContexts = nil
	a.defaultRouter.Clear()
	a.vhosts = transport.NewSNITree[*vhost]()
	a.current = a.defaultRouter
	if a.tree != nil {
		a.l.RemovePreHandler(a)
		a.l.RemovePostHandler(a)
		a.tree = nil
		metrics.PubSubTopics.Set(0)
	}
}
