// File: transport/socket.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"errors"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/valyala/bytebufferpool"

	"github.com/momentics/hioload-uws/internal/logging"
	"github.com/momentics/hioload-uws/loop"
)

// CorkBufferSize is the capacity of a socket's cork buffer. Corked writes
// that do not fit spill into the send queue.
const CorkBufferSize = 16 * 1024

var bufPool bytebufferpool.Pool

// Socket is an asynchronous, corkable stream socket bound to a loop.
// Methods must be called on the loop goroutine unless noted.
type Socket struct {
	id   uuid.UUID
	l    *loop.Loop
	conn net.Conn

	corked     bool
	cork       *bytebufferpool.ByteBuffer
	closed     bool
	shutdown   bool
	onWritable func()
	onClose    func(err error)

	// Shared with the writer goroutine.
	mu         sync.Mutex
	cond       *sync.Cond
	pending    *bytebufferpool.ByteBuffer
	inflight   int
	stopping   bool
	fin        bool
	writerDone chan struct{}
}

// NewSocket wraps conn and starts its writer. The socket holds a loop ref
// until it is closed. Loop goroutine only.
func NewSocket(l *loop.Loop, conn net.Conn) *Socket {
	s := &Socket{
		id:         uuid.New(),
		l:          l,
		conn:       conn,
		cork:       bufPool.Get(),
		pending:    bufPool.Get(),
		writerDone: make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	l.Ref()
	go s.writeLoop()
	return s
}

// ID identifies the socket in logs.
func (s *Socket) ID() uuid.UUID { return s.id }

// Conn returns the underlying connection. Only the connection's reader
// goroutine may read from it.
func (s *Socket) Conn() net.Conn { return s.conn }

// Loop returns the owning loop.
func (s *Socket) Loop() *loop.Loop { return s.l }

// IsClosed reports whether Close ran.
func (s *Socket) IsClosed() bool { return s.closed }

// IsShutDown reports whether the write side was shut down.
func (s *Socket) IsShutDown() bool { return s.shutdown }

// OnWritable sets the callback invoked on the loop each time the send queue
// becomes empty.
func (s *Socket) OnWritable(fn func()) { s.onWritable = fn }

// OnClose sets the callback invoked once when the socket closes. err is nil
// for a local close.
func (s *Socket) OnClose(fn func(err error)) { s.onClose = fn }

// Write queues p and returns the buffered amount afterwards. Writes to a
// closed or shut down socket are discarded.
func (s *Socket) Write(p []byte) int {
	if s.closed || s.shutdown {
		return s.BufferedAmount()
	}
	if s.corked {
		if s.cork.Len()+len(p) > CorkBufferSize {
			s.spillCork()
		}
		if len(p) <= CorkBufferSize {
			_, _ = s.cork.Write(p)
			return s.BufferedAmount()
		}
	}
	s.mu.Lock()
	_, _ = s.pending.Write(p)
	n := s.pending.Len() + s.inflight
	s.cond.Signal()
	s.mu.Unlock()
	return n + s.cork.Len()
}

// Cork starts buffering writes. Corking a corked socket is a no-op.
func (s *Socket) Cork() { s.corked = true }

// Uncork flushes the cork buffer into the send queue.
func (s *Socket) Uncork() {
	s.corked = false
	s.spillCork()
}

// IsCorked reports whether writes are being buffered.
func (s *Socket) IsCorked() bool { return s.corked }

// CorkScope runs fn with the socket corked. Nested scopes only run fn; the
// outermost scope flushes on every exit path.
func (s *Socket) CorkScope(fn func()) {
	if s.corked {
		fn()
		return
	}
	s.Cork()
	defer s.Uncork()
	fn()
}

// BufferedAmount counts corked, queued and in-flight bytes.
func (s *Socket) BufferedAmount() int {
	s.mu.Lock()
	n := s.pending.Len() + s.inflight
	s.mu.Unlock()
	return n + s.cork.Len()
}

// Shutdown half-closes the socket once the send queue drains.
func (s *Socket) Shutdown() {
	if s.closed || s.shutdown {
		return
	}
	s.Uncork()
	s.shutdown = true
	s.mu.Lock()
	s.fin = true
	s.cond.Signal()
	s.mu.Unlock()
}

// Close closes the socket immediately, discarding unsent data.
func (s *Socket) Close() { s.close(nil) }

// CloseWithError closes the socket and reports err to the close callback.
func (s *Socket) CloseWithError(err error) { s.close(err) }

func (s *Socket) close(err error) {
	if s.closed {
		return
	}
	s.closed = true
	s.corked = false

	s.mu.Lock()
	s.stopping = true
	s.cond.Signal()
	s.mu.Unlock()
	_ = s.conn.Close()
	<-s.writerDone

	bufPool.Put(s.cork)
	s.cork = bufPool.Get()
	s.l.Unref()

	logging.Trace().Str("socket", s.id.String()).AnErr("cause", err).Msg("socket closed")
	if fn := s.onClose; fn != nil {
		s.onClose = nil
		fn(err)
	}
}

// RemoteAddress returns the raw peer IP: 4 or 16 bytes, empty for unix
// sockets.
func (s *Socket) RemoteAddress() []byte {
	switch a := s.conn.RemoteAddr().(type) {
	case *net.TCPAddr:
		if v4 := a.IP.To4(); v4 != nil {
			return v4
		}
		return a.IP
	}
	return nil
}

// RemoteAddressText returns the peer IP in text form.
func (s *Socket) RemoteAddressText() string {
	ip := s.RemoteAddress()
	if len(ip) == 0 {
		return ""
	}
	return net.IP(ip).String()
}

func (s *Socket) spillCork() {
	if s.cork.Len() == 0 {
		return
	}
	s.mu.Lock()
	_, _ = s.pending.Write(s.cork.B)
	s.cond.Signal()
	s.mu.Unlock()
	s.cork.Reset()
}

// writeLoop runs on its own goroutine and owns conn writes.
func (s *Socket) writeLoop() {
	defer close(s.writerDone)
	spare := bufPool.Get()
	defer func() { bufPool.Put(spare) }()

	for {
		s.mu.Lock()
		for s.pending.Len() == 0 && !s.stopping && !s.fin {
			s.cond.Wait()
		}
		if s.stopping {
			s.mu.Unlock()
			return
		}
		if s.pending.Len() == 0 {
			// fin requested and everything flushed.
			s.mu.Unlock()
			s.closeWrite()
			return
		}
		buf := s.pending
		s.pending = spare
		s.inflight = buf.Len()
		s.mu.Unlock()

		_, err := s.conn.Write(buf.B)

		s.mu.Lock()
		s.inflight = 0
		drained := s.pending.Len() == 0
		stopping := s.stopping
		s.mu.Unlock()
		buf.Reset()
		spare = buf

		if stopping {
			return
		}
		if err != nil {
			s.l.Defer(func() { s.close(err) })
			return
		}
		if drained {
			s.l.Defer(s.notifyWritable)
		}
	}
}

func (s *Socket) closeWrite() {
	type closeWriter interface{ CloseWrite() error }
	if cw, ok := s.conn.(closeWriter); ok {
		if err := cw.CloseWrite(); err != nil && !errors.Is(err, net.ErrClosed) {
			logging.Debug().Str("socket", s.id.String()).Err(err).Msg("half close failed")
		}
		return
	}
	// Without half close the only way to signal end of stream is to close.
	_ = s.conn.Close()
}

func (s *Socket) notifyWritable() {
	if s.closed || s.onWritable == nil || s.BufferedAmount() != 0 {
		return
	}
	s.onWritable()
}
