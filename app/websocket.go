// File: app/websocket.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A WebSocket connection. Frames are parsed by the connection's reader
// goroutine and handled on the loop; everything else runs on the loop.

package app

import (
	"bufio"
	"errors"
	"io"
	"net"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/valyala/bytebufferpool"

	"github.com/momentics/hioload-uws/api"
	"github.com/momentics/hioload-uws/internal/logging"
	"github.com/momentics/hioload-uws/internal/metrics"
	"github.com/momentics/hioload-uws/loop"
	"github.com/momentics/hioload-uws/protocol"
	"github.com/momentics/hioload-uws/pubsub"
	"github.com/momentics/hioload-uws/transport"
)

const endTimeout = 2 * time.Second

var framePool bytebufferpool.Pool

// WebSocket is an upgraded connection carrying user data of type T.
type WebSocket[T any] struct {
	ctx  *WebSocketContext[T]
	sock *transport.Socket
	sub  *pubsub.Subscriber
	data T

	state      api.ConnState
	tornDown   bool
	abortCause string

	deflate deflateState

	// Inbound message assembly.
	msgOp         protocol.OpCode
	msgCompressed bool
	fragmented    bool
	msgBuf        *bytebufferpool.ByteBuffer

	hasTimedOut bool
	needDrain   bool
	idle        *loop.Timer
	lifetime    *loop.Timer
	endTimer    *loop.Timer
}

// UserData returns the per-connection data. It is zeroed after the Close
// handler returns.
func (ws *WebSocket[T]) UserData() *T { return &ws.data }

// ID returns the socket id.
func (ws *WebSocket[T]) ID() uuid.UUID { return ws.sock.ID() }

// State returns the connection state.
func (ws *WebSocket[T]) State() api.ConnState { return ws.state }

// BufferedAmount returns the bytes not yet written to the kernel.
func (ws *WebSocket[T]) BufferedAmount() int { return ws.sock.BufferedAmount() }

// RemoteAddress returns the raw peer IP.
func (ws *WebSocket[T]) RemoteAddress() []byte { return ws.sock.RemoteAddress() }

// RemoteAddressAsText returns the peer IP as text.
func (ws *WebSocket[T]) RemoteAddressAsText() string { return ws.sock.RemoteAddressText() }

// Cork runs fn with the socket corked and flushes once fn returns or panics.
func (ws *WebSocket[T]) Cork(fn func()) { ws.sock.CorkScope(fn) }

// Send writes one complete message.
func (ws *WebSocket[T]) Send(msg []byte, op protocol.OpCode, compress bool) api.SendStatus {
	return ws.send(msg, op, true, compress)
}

// SendFirstFragment starts a fragmented message of type op.
func (ws *WebSocket[T]) SendFirstFragment(msg []byte, op protocol.OpCode) api.SendStatus {
	return ws.send(msg, op, false, false)
}

// SendFragment continues a fragmented message.
func (ws *WebSocket[T]) SendFragment(msg []byte) api.SendStatus {
	return ws.send(msg, protocol.OpContinuation, false, false)
}

// SendLastFragment ends a fragmented message.
func (ws *WebSocket[T]) SendLastFragment(msg []byte) api.SendStatus {
	return ws.send(msg, protocol.OpContinuation, true, false)
}

func (ws *WebSocket[T]) send(payload []byte, op protocol.OpCode, fin, compress bool) api.SendStatus {
	status := ws.writeFrame(payload, op, fin, compress)
	metrics.WSSendStatus.WithLabelValues(status.String()).Inc()
	return status
}

func (ws *WebSocket[T]) writeFrame(payload []byte, op protocol.OpCode, fin, compress bool) api.SendStatus {
	if ws.state != api.StateOpen || ws.sock.IsClosed() || ws.sock.IsShutDown() {
		return api.Dropped
	}
	b := &ws.ctx.behavior
	limit := b.MaxBackpressure
	if limit > 0 && ws.sock.BufferedAmount() > limit {
		if b.CloseOnBackpressureLimit {
			ws.sock.Close()
		}
		return api.Dropped
	}

	rsv1 := false
	if compress && fin && ws.deflate.enabled && (op == protocol.OpText || op == protocol.OpBinary) {
		cbuf := framePool.Get()
		defer framePool.Put(cbuf)
		out, err := ws.deflate.compressor.Compress(cbuf.B[:0], payload)
		cbuf.B = out
		if err != nil {
			logging.Warn().Str("socket", ws.sock.ID().String()).Err(err).Msg("deflate failed, sending uncompressed")
		} else {
			payload, rsv1 = out, true
		}
	}

	if b.CloseOnBackpressureLimit && limit > 0 &&
		ws.sock.BufferedAmount()+protocol.FrameHeaderLen(len(payload), false)+len(payload) > limit {
		ws.sock.Close()
		return api.Dropped
	}

	buf := framePool.Get()
	buf.B = protocol.AppendFrame(buf.B[:0], op, payload, fin, rsv1)
	buffered := ws.sock.Write(buf.B)
	framePool.Put(buf)

	if b.ResetIdleTimeoutOnSend {
		ws.refreshIdle()
	}
	if limit > 0 && buffered > limit {
		ws.needDrain = true
		return api.Backpressure
	}
	return api.Success
}

// Subscribe adds the connection to topic. It reports false when already
// subscribed or closed.
func (ws *WebSocket[T]) Subscribe(topic string) bool {
	if ws.sub == nil || ws.state != api.StateOpen {
		return false
	}
	tree := ws.ctx.app.tree
	if !tree.Subscribe(ws.sub, topic) {
		return false
	}
	metrics.PubSubTopics.Set(float64(tree.NumTopics()))
	if h := ws.ctx.behavior.Subscription; h != nil {
		n := tree.NumSubscribers(topic)
		h(ws, topic, n, n-1)
	}
	return true
}

// Unsubscribe removes the connection from topic.
func (ws *WebSocket[T]) Unsubscribe(topic string) bool {
	if ws.sub == nil || ws.state != api.StateOpen {
		return false
	}
	tree := ws.ctx.app.tree
	old := tree.NumSubscribers(topic)
	if !tree.Unsubscribe(ws.sub, topic) {
		return false
	}
	metrics.PubSubTopics.Set(float64(tree.NumTopics()))
	if h := ws.ctx.behavior.Subscription; h != nil {
		h(ws, topic, old-1, old)
	}
	return true
}

func (ws *WebSocket[T]) IsSubscribed(topic string) bool {
	return ws.sub != nil && ws.sub.IsSubscribed(topic)
}

// IterateTopics calls fn for every subscribed topic in lexical order.
func (ws *WebSocket[T]) IterateTopics(fn func(topic string)) {
	if ws.sub == nil {
		return
	}
	ws.sub.IterateTopics(func(t *pubsub.Topic) { fn(t.Name()) })
}

// Topics returns the subscribed topics in lexical order.
func (ws *WebSocket[T]) Topics() []string {
	if ws.sub == nil {
		return nil
	}
	return ws.sub.Topics()
}

// Publish sends msg to topic with this connection as the sender. Whether
// the sender receives its own message depends on the App's sender policy.
func (ws *WebSocket[T]) Publish(topic string, msg []byte, op protocol.OpCode, compress bool) bool {
	if ws.sub == nil || ws.state != api.StateOpen {
		return false
	}
	return ws.ctx.app.publish(ws.sub, topic, msg, op, compress)
}

// Close closes the connection at once. The Close handler sees 1006.
func (ws *WebSocket[T]) Close() { ws.sock.Close() }

// End sends a close frame, runs the close handlers and half-closes the
// socket once the frame is flushed. The socket is closed for good when the
// peer hangs up or after two seconds.
func (ws *WebSocket[T]) End(code int, msg []byte) {
	if ws.state != api.StateOpen {
		return
	}
	if code == 0 {
		code = protocol.CloseNoStatusRcvd
	}
	ws.state = api.StateClosing
	ws.stopTimers()

	buf := framePool.Get()
	buf.B = protocol.AppendFrame(buf.B[:0], protocol.OpClose, protocol.AppendClosePayload(nil, code, msg), true, false)
	ws.sock.Write(buf.B)
	framePool.Put(buf)

	ws.endTimer = ws.sock.Loop().AfterFunc(endTimeout, ws.sock.Close)
	ws.teardown(code, msg)
	ws.sock.Shutdown()
}

func (ws *WebSocket[T]) forceClose(cause string) {
	if ws.abortCause == "" {
		ws.abortCause = cause
	}
	logging.Debug().Str("socket", ws.sock.ID().String()).Str("cause", cause).Msg("closing websocket")
	ws.sock.Close()
}

// teardown runs the close sequence once: Subscription for every held
// topic, removal from the tree, the Close handler, then user data is
// zeroed.
func (ws *WebSocket[T]) teardown(code int, msg []byte) {
	if ws.tornDown {
		return
	}
	ws.tornDown = true
	b := &ws.ctx.behavior
	if ws.sub != nil {
		tree := ws.ctx.app.tree
		if h := b.Subscription; h != nil {
			ws.sub.IterateTopics(func(t *pubsub.Topic) {
				h(ws, t.Name(), t.Size()-1, t.Size())
			})
		}
		tree.FreeSubscriber(ws.sub)
		ws.sub = nil
		metrics.PubSubTopics.Set(float64(tree.NumTopics()))
	}
	if h := b.Close; h != nil {
		h(ws, code, msg)
	}
	var zero T
	ws.data = zero
}

func (ws *WebSocket[T]) onSocketClose(err error) {
	ws.state = api.StateClosed
	ws.stopTimers()
	if ws.endTimer != nil {
		ws.endTimer.Stop()
	}
	if ws.msgBuf != nil {
		framePool.Put(ws.msgBuf)
		ws.msgBuf = nil
	}
	delete(ws.ctx.sockets, ws)
	metrics.ConnectionsOpen.WithLabelValues("ws").Dec()
	if err != nil {
		logging.Debug().Str("socket", ws.sock.ID().String()).Err(err).Msg("websocket closed")
	}
	ws.teardown(protocol.CloseAbnormalClosure, []byte(ws.abortCause))
}

func (ws *WebSocket[T]) onWritable() {
	if ws.state != api.StateOpen {
		return
	}
	ws.refreshIdle()
	if !ws.needDrain {
		return
	}
	ws.needDrain = false
	if h := ws.ctx.behavior.Drain; h != nil {
		ws.sock.CorkScope(func() { h(ws) })
	}
}

func (ws *WebSocket[T]) armTimers() {
	l := ws.sock.Loop()
	if ws.ctx.idleFirst > 0 {
		ws.idle = l.AfterFunc(ws.ctx.idleFirst, ws.onIdle)
	}
	if ws.ctx.lifetime > 0 {
		ws.lifetime = l.AfterFunc(ws.ctx.lifetime, func() {
			ws.End(protocol.CloseNormalClosure, []byte("please reconnect"))
		})
	}
}

func (ws *WebSocket[T]) stopTimers() {
	if ws.idle != nil {
		ws.idle.Stop()
	}
	if ws.lifetime != nil {
		ws.lifetime.Stop()
	}
}

// resetIdle restarts the idle countdown after inbound data.
func (ws *WebSocket[T]) resetIdle() {
	ws.hasTimedOut = false
	if ws.idle != nil {
		ws.idle.Reset(ws.ctx.idleFirst)
	}
}

// refreshIdle restarts the countdown unless a ping is outstanding.
func (ws *WebSocket[T]) refreshIdle() {
	if ws.idle != nil && !ws.hasTimedOut {
		ws.idle.Reset(ws.ctx.idleFirst)
	}
}

func (ws *WebSocket[T]) onIdle() {
	if ws.state != api.StateOpen {
		return
	}
	if ws.ctx.behavior.SendPingsAutomatically && !ws.hasTimedOut {
		ws.hasTimedOut = true
		ws.idle.Reset(ws.ctx.idleSecond)
		ws.sock.Write(protocol.PingFrame)
		return
	}
	ws.forceClose(protocol.ReasonTimeout)
}

// readFrames runs on the connection's reader goroutine after the upgrade.
func (ws *WebSocket[T]) readFrames(br *bufio.Reader) {
	limit := int64(ws.ctx.behavior.MaxPayloadLength)
	l := ws.sock.Loop()
	for {
		f, err := protocol.ReadFrame(br, limit, true)
		if err != nil {
			l.Defer(func() { ws.readFailed(err) })
			return
		}
		l.Defer(func() { ws.handleFrame(f) })
	}
}

func (ws *WebSocket[T]) readFailed(err error) {
	if ws.sock.IsClosed() {
		return
	}
	switch {
	case errors.Is(err, protocol.ErrFrameTooLarge):
		ws.forceClose(protocol.ReasonTooBigMessage)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		ws.sock.Close()
	case errors.Is(err, api.ErrProtocol):
		ws.forceClose(protocol.ReasonProtocol)
	default:
		ws.sock.CloseWithError(err)
	}
}

func (ws *WebSocket[T]) handleFrame(f *protocol.WSFrame) {
	if ws.state != api.StateOpen {
		return
	}
	ws.resetIdle()
	ws.sock.CorkScope(func() {
		if f.Opcode.IsControl() {
			ws.handleControl(f)
			return
		}
		ws.handleData(f)
	})
}

func (ws *WebSocket[T]) handleControl(f *protocol.WSFrame) {
	b := &ws.ctx.behavior
	switch f.Opcode {
	case protocol.OpPing:
		ws.Send(f.Payload, protocol.OpPong, false)
		if h := b.Ping; h != nil {
			h(ws, f.Payload)
		}
	case protocol.OpPong:
		if h := b.Pong; h != nil {
			h(ws, f.Payload)
		}
	case protocol.OpClose:
		cf, ok := protocol.ParseClosePayload(f.Payload)
		if !ok {
			ws.End(protocol.CloseProtocolError, nil)
			return
		}
		ws.End(cf.Code, cf.Reason)
	}
}

func (ws *WebSocket[T]) handleData(f *protocol.WSFrame) {
	if f.Opcode == protocol.OpContinuation {
		if !ws.fragmented || f.Rsv1 {
			ws.forceClose(protocol.ReasonProtocol)
			return
		}
	} else {
		if ws.fragmented || (f.Rsv1 && !ws.deflate.enabled) {
			ws.forceClose(protocol.ReasonProtocol)
			return
		}
		ws.msgOp, ws.msgCompressed = f.Opcode, f.Rsv1
	}

	if f.IsFinal && !ws.fragmented {
		ws.deliver(f.Payload)
		return
	}

	limit := max(ws.ctx.behavior.MaxPayloadLength, 0)
	if ws.msgBuf == nil {
		ws.msgBuf = framePool.Get()
	}
	if ws.msgBuf.Len()+len(f.Payload) > limit {
		ws.forceClose(protocol.ReasonTooBigMessage)
		return
	}
	_, _ = ws.msgBuf.Write(f.Payload)
	if !f.IsFinal {
		ws.fragmented = true
		return
	}
	ws.fragmented = false
	buf := ws.msgBuf
	ws.msgBuf = nil
	ws.deliver(buf.B)
	framePool.Put(buf)
}

func (ws *WebSocket[T]) deliver(payload []byte) {
	if ws.msgCompressed {
		out, err := ws.deflate.decompressor.Inflate(payload, ws.ctx.behavior.MaxPayloadLength)
		switch {
		case errors.Is(err, protocol.ErrInflateTooLarge):
			ws.forceClose(protocol.ReasonTooBigMessageInflation)
			return
		case err != nil:
			ws.forceClose(protocol.ReasonInvalidCompression)
			return
		}
		payload = out
	}
	if ws.msgOp == protocol.OpText && !utf8.Valid(payload) {
		ws.forceClose(protocol.ReasonInvalidText)
		return
	}
	metrics.WSMessagesReceived.Inc()
	if h := ws.ctx.behavior.Message; h != nil {
		h(ws, payload, ws.msgOp)
	}
}

func (ws *WebSocket[T]) socket() *transport.Socket { return ws.sock }

func (ws *WebSocket[T]) sendPublished(m *pubsub.Message) api.SendStatus {
	return ws.Send(m.Payload, protocol.OpCode(m.OpCode), m.Compress)
}

func (ws *WebSocket[T]) dropped(m *pubsub.Message) {
	if h := ws.ctx.behavior.Dropped; h != nil {
		h(ws, m.Payload, protocol.OpCode(m.OpCode))
	}
}
