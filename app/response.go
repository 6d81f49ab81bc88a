// File: app/response.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package app

import (
	"bufio"
	"net/http"
	"strconv"
	"time"
)

// frameReader takes over the connection's read side after an upgrade.
type frameReader interface {
	readFrames(br *bufio.Reader)
}

// HttpResponse writes the response for one request directly into the
// socket. Methods are called on the loop goroutine.
type HttpResponse struct {
	conn *httpConn
	req  *http.Request

	statusWritten bool
	headersDone   bool
	chunked       bool
	ended         bool
	aborted       bool
	closeAfter    bool

	onAborted func()
	onData    func(chunk []byte, last bool)

	// Set on the upgrade path before the custom handler runs.
	brokenCompression bool
	upgradedTo        frameReader

	// done is closed once the response ends or the socket is upgraded.
	done chan struct{}
}

func newResponse(c *httpConn, req *http.Request) *HttpResponse {
	return &HttpResponse{conn: c, req: req, done: make(chan struct{})}
}

func (r *HttpResponse) writable() bool {
	return r.req != nil && !r.ended && !r.aborted && !r.conn.sock.IsClosed()
}

func (r *HttpResponse) write(s string) { r.conn.sock.Write([]byte(s)) }

// WriteStatus writes the status line, e.g. "404 Not Found". Only the first
// call has an effect.
func (r *HttpResponse) WriteStatus(status string) *HttpResponse {
	if !r.writable() || r.statusWritten {
		return r
	}
	r.statusWritten = true
	r.write("HTTP/1.1 " + status + "\r\n")
	return r
}

// WriteHeader writes one header, implying "200 OK" if no status was written.
func (r *HttpResponse) WriteHeader(key, value string) *HttpResponse {
	if !r.writable() || r.headersDone {
		return r
	}
	r.WriteStatus("200 OK")
	r.write(key + ": " + value + "\r\n")
	return r
}

// WriteContinue writes an interim 100 Continue response.
func (r *HttpResponse) WriteContinue() *HttpResponse {
	if r.writable() && !r.statusWritten {
		r.write("HTTP/1.1 100 Continue\r\n\r\n")
	}
	return r
}

func (r *HttpResponse) finishHeaders(extra string) {
	r.WriteStatus("200 OK")
	hdr := "Date: " + time.Now().UTC().Format(http.TimeFormat) + "\r\n"
	if r.closeAfter {
		hdr += "Connection: close\r\n"
	}
	r.write(hdr + extra + "\r\n")
	r.headersDone = true
}

// Write sends chunk using chunked transfer encoding. It reports whether the
// socket is still open.
func (r *HttpResponse) Write(chunk []byte) bool {
	if !r.writable() {
		return false
	}
	if !r.headersDone {
		r.closeAfter = r.req.Close
		r.finishHeaders("Transfer-Encoding: chunked\r\n")
		r.chunked = true
	}
	if len(chunk) > 0 {
		r.write(strconv.FormatInt(int64(len(chunk)), 16) + "\r\n")
		r.conn.sock.Write(chunk)
		r.write("\r\n")
	}
	return !r.conn.sock.IsClosed()
}

// End finishes the response with body. closeConnection, or a request that
// asked for it, closes the connection once the response is flushed.
func (r *HttpResponse) End(body []byte, closeConnection bool) {
	if !r.writable() {
		return
	}
	r.closeAfter = r.closeAfter || closeConnection || r.req.Close
	switch {
	case r.chunked:
		if len(body) > 0 {
			r.Write(body)
		}
		r.write("0\r\n\r\n")
	default:
		r.finishHeaders("Content-Length: " + strconv.Itoa(len(body)) + "\r\n")
		if r.req.Method != http.MethodHead {
			r.conn.sock.Write(body)
		}
	}
	r.finish()
}

// EndWithoutBody finishes the response without writing a body. A
// non-negative reportedLength is sent as Content-Length, which HEAD
// responses use.
func (r *HttpResponse) EndWithoutBody(reportedLength int, closeConnection bool) {
	if !r.writable() {
		return
	}
	r.closeAfter = r.closeAfter || closeConnection || r.req.Close
	if r.chunked {
		r.write("0\r\n\r\n")
	} else {
		extra := ""
		if reportedLength >= 0 {
			extra = "Content-Length: " + strconv.Itoa(reportedLength) + "\r\n"
		}
		r.finishHeaders(extra)
	}
	r.finish()
}

func (r *HttpResponse) finish() {
	r.ended = true
	close(r.done)
	if r.closeAfter {
		r.conn.sock.Shutdown()
	}
}

// Cork runs fn with the socket corked.
func (r *HttpResponse) Cork(fn func()) *HttpResponse {
	r.conn.sock.CorkScope(fn)
	return r
}

// OnAborted registers fn to run once if the connection closes before the
// response ends.
func (r *HttpResponse) OnAborted(fn func()) *HttpResponse {
	r.onAborted = fn
	return r
}

// OnData registers the request body handler. Chunks are at most 16 KiB and
// only valid during the call; last is set on the final one.
func (r *HttpResponse) OnData(fn func(chunk []byte, last bool)) *HttpResponse {
	r.onData = fn
	return r
}

// HasResponded reports whether the response ended.
func (r *HttpResponse) HasResponded() bool { return r.ended }

// Close closes the connection immediately.
func (r *HttpResponse) Close() { r.conn.sock.Close() }

// RemoteAddress returns the raw peer IP.
func (r *HttpResponse) RemoteAddress() []byte { return r.conn.sock.RemoteAddress() }

// RemoteAddressAsText returns the peer IP as text.
func (r *HttpResponse) RemoteAddressAsText() string { return r.conn.sock.RemoteAddressText() }

// upgrade hands the connection to fr. The 101 response is already written.
func (r *HttpResponse) upgrade(fr frameReader) {
	r.statusWritten, r.headersDone, r.ended = true, true, true
	r.upgradedTo = fr
	close(r.done)
}

func (r *HttpResponse) abort() {
	if r.ended || r.aborted {
		return
	}
	r.aborted = true
	if fn := r.onAborted; fn != nil {
		r.onAborted = nil
		fn()
	}
}

func (r *HttpResponse) deliverData(chunk []byte, last bool) {
	if r.aborted || r.onData == nil {
		return
	}
	r.onData(chunk, last)
}
