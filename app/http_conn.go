// File: app/http_conn.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// One HTTP connection. The reader goroutine parses requests and streams
// bodies; routing and every response write happen on the loop. The reader
// waits for each response to end before parsing the next request, and after
// an upgrade it keeps reading as the WebSocket frame reader.

package app

import (
	"bufio"
	"crypto/tls"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/momentics/hioload-uws/internal/logging"
	"github.com/momentics/hioload-uws/internal/metrics"
	"github.com/momentics/hioload-uws/transport"
)

const (
	readBufferSize = 16 * 1024
	bodyChunkSize  = 16 * 1024
	lingerTimeout  = 2 * time.Second
)

type httpConn struct {
	app  *App
	sock *transport.Socket

	// Loop goroutine only.
	res       *HttpResponse
	filterRes *HttpResponse

	// Written by the reader before its first dispatch.
	serverName string

	closed chan struct{}
}

// limitedReader caps how much the header parser may consume.
type limitedReader struct {
	r io.Reader
	n int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.n <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > l.n {
		p = p[:l.n]
	}
	n, err := l.r.Read(p)
	l.n -= int64(n)
	return n, err
}

func (a *App) accept(nc net.Conn) {
	sock := transport.NewSocket(a.l, nc)
	c := &httpConn{app: a, sock: sock, closed: make(chan struct{})}
	c.filterRes = &HttpResponse{conn: c, done: make(chan struct{})}
	sock.OnClose(c.onClose)
	a.conns[c] = struct{}{}
	metrics.ConnectionsOpen.WithLabelValues("http").Inc()

	for _, f := range a.filters {
		f(c.filterRes, 1)
	}
	go c.readLoop(a.opts)
}

func (c *httpConn) post(fn func()) { c.app.l.Defer(fn) }

func (c *httpConn) onClose(err error) {
	close(c.closed)
	delete(c.app.conns, c)
	metrics.ConnectionsOpen.WithLabelValues("http").Dec()
	if err != nil {
		logging.Debug().Str("socket", c.sock.ID().String()).Err(err).Msg("http connection closed")
	}
	if c.res != nil {
		c.res.abort()
	}
	for _, f := range c.app.filters {
		f(c.filterRes, -1)
	}
}

// detach hands the socket to a WebSocket route.
func (c *httpConn) detach() {
	delete(c.app.conns, c)
	metrics.ConnectionsOpen.WithLabelValues("http").Dec()
}

func (c *httpConn) readLoop(opts options) {
	conn := c.sock.Conn()
	if tc, ok := conn.(*tls.Conn); ok {
		_ = tc.SetDeadline(time.Now().Add(opts.httpIdleTimeout))
		if err := tc.Handshake(); err != nil {
			c.post(func() { c.sock.CloseWithError(err) })
			return
		}
		_ = tc.SetDeadline(time.Time{})
		c.serverName = tc.ConnectionState().ServerName
	}

	lr := &limitedReader{r: conn}
	br := bufio.NewReaderSize(lr, readBufferSize)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(opts.httpIdleTimeout))
		lr.n = int64(opts.maxHeaderBytes)
		req, err := http.ReadRequest(br)
		if err != nil {
			c.readFailed(conn, err, lr.n <= 0)
			return
		}
		lr.n = math.MaxInt64

		res := c.dispatchAndWait(req)
		if res == nil {
			return
		}
		if !c.streamBody(conn, req, res, opts) {
			return
		}
		peek := c.watchPeer(conn, br)
		if !c.awaitResponse(res, &peek) {
			return
		}
		switch {
		case res.upgradedTo != nil:
			_ = conn.SetReadDeadline(time.Time{})
			if peek != nil {
				<-peek
			}
			res.upgradedTo.readFrames(br)
			return
		case res.closeAfter:
			_ = conn.SetReadDeadline(time.Now().Add(lingerTimeout))
			if peek != nil {
				<-peek
			}
			c.linger(conn)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(opts.httpIdleTimeout))
		if peek != nil {
			<-peek
		}
	}
}

// watchPeer blocks on the next byte while a response is pending, so a peer
// that hangs up is noticed and the response aborted. The peeked data stays
// buffered in br.
func (c *httpConn) watchPeer(conn net.Conn, br *bufio.Reader) chan error {
	_ = conn.SetReadDeadline(time.Time{})
	peek := make(chan error, 1)
	go func() {
		_, err := br.Peek(1)
		peek <- err
	}()
	return peek
}

// awaitResponse waits for res to end. It clears *peek once the watcher
// has returned and reports false when the connection is gone.
func (c *httpConn) awaitResponse(res *HttpResponse, peek *chan error) bool {
	for {
		select {
		case <-res.done:
			return true
		case err := <-*peek:
			*peek = nil
			if err != nil {
				c.post(func() { c.sock.CloseWithError(err) })
				return false
			}
		case <-c.closed:
			return false
		case <-c.app.l.Done():
			return false
		}
	}
}

func (c *httpConn) readFailed(conn net.Conn, err error, tooLarge bool) {
	var ne net.Error
	switch {
	case tooLarge:
		c.post(func() { c.reject("431 Request Header Fields Too Large") })
		c.linger(conn)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed),
		errors.As(err, &ne) && ne.Timeout():
		c.post(c.sock.Close)
	default:
		c.post(func() {
			if h := c.app.clientError; h != nil {
				h(c.sock.RemoteAddressText(), err)
			}
			c.reject("400 Bad Request")
		})
		c.linger(conn)
	}
}

// linger discards input until the peer closes or the deadline passes, so
// a response written before Shutdown is not cut off by a reset.
func (c *httpConn) linger(conn net.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(lingerTimeout))
	_, _ = io.Copy(io.Discard, conn)
	c.post(c.sock.Close)
}

func (c *httpConn) reject(status string) {
	if c.sock.IsClosed() {
		return
	}
	c.sock.Write([]byte("HTTP/1.1 " + status + "\r\nContent-Length: 0\r\nConnection: close\r\n\r\n"))
	c.sock.Shutdown()
}

func (c *httpConn) dispatchAndWait(req *http.Request) *HttpResponse {
	ch := make(chan *HttpResponse, 1)
	c.post(func() { ch <- c.dispatch(req) })
	select {
	case res := <-ch:
		return res
	case <-c.closed:
		return nil
	case <-c.app.l.Done():
		return nil
	}
}

func (c *httpConn) dispatch(req *http.Request) *HttpResponse {
	if c.sock.IsClosed() {
		return nil
	}
	a := c.app
	res := newResponse(c, req)
	c.res = res

	c.sock.CorkScope(func() {
		if a.opts.requireHostHeader && req.ProtoAtLeast(1, 1) && req.Host == "" {
			res.WriteStatus("400 Bad Request").End(nil, true)
			return
		}
		if strings.EqualFold(req.Header.Get("Expect"), "100-continue") {
			res.WriteContinue()
		}

		hreq := &HttpRequest{req: req}
		routed := a.routerFor(c.serverName).Route(req.Method, requestPath(req), &routeArg{res: res, req: hreq})
		hreq.invalidate()
		metrics.HTTPRequests.WithLabelValues(methodLabel(req.Method), strconv.FormatBool(routed)).Inc()
		if !routed {
			res.WriteStatus("404 Not Found").End(nil, false)
		}
	})
	return res
}

func (c *httpConn) streamBody(conn net.Conn, req *http.Request, res *HttpResponse, opts options) bool {
	if req.Body == nil || req.Body == http.NoBody {
		c.post(func() { res.deliverData(nil, true) })
		return true
	}
	buf := make([]byte, bodyChunkSize)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(opts.httpIdleTimeout))
		n, err := req.Body.Read(buf)
		last := errors.Is(err, io.EOF)
		if n > 0 || last {
			chunk := append([]byte(nil), buf[:n]...)
			c.post(func() { res.deliverData(chunk, last) })
		}
		if last {
			return true
		}
		if err != nil {
			c.post(func() { c.sock.CloseWithError(err) })
			return false
		}
	}
}

func methodLabel(m string) string {
	switch m {
	case http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodPatch,
		http.MethodDelete, http.MethodConnect, http.MethodOptions, http.MethodTrace:
		return m
	}
	return "OTHER"
}
