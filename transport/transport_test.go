package transport

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/momentics/hioload-uws/loop"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func runLoop(t *testing.T) *loop.Loop {
	t.Helper()
	l := loop.New()
	l.Ref()
	go l.Run()
	t.Cleanup(func() {
		l.Stop()
		<-l.Done()
	})
	return l
}

// socketPair returns a loop-owned Socket and the dialing client side.
func socketPair(t *testing.T, l *loop.Loop) (*Socket, net.Conn) {
	t.Helper()
	accepted := make(chan *Socket, 1)
	var (
		ls  *ListenSocket
		err error
	)
	require.True(t, l.Sync(func() {
		ls, err = Listen(l, "tcp", "127.0.0.1:0", ListenDefault, nil, func(c net.Conn) {
			accepted <- NewSocket(l, c)
		})
	}))
	require.NoError(t, err)

	client, err := net.Dial("tcp", ls.Addr().String())
	require.NoError(t, err)
	s := <-accepted
	l.Sync(ls.Close)

	t.Cleanup(func() {
		_ = client.Close()
		l.Sync(s.Close)
	})
	return s, client
}

func readN(t *testing.T, c net.Conn, n int) []byte {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, n)
	_, err := io.ReadFull(c, buf)
	require.NoError(t, err)
	return buf
}

func TestCorkedWritesFlushOnUncork(t *testing.T) {
	l := runLoop(t)
	s, client := socketPair(t, l)

	var buffered int
	var corked bool
	l.Sync(func() {
		s.CorkScope(func() {
			s.Write([]byte("hello "))
			s.Write([]byte("world"))
			corked = s.IsCorked()
			buffered = s.BufferedAmount()
		})
	})
	assert.True(t, corked)
	assert.Equal(t, 11, buffered)
	assert.Equal(t, "hello world", string(readN(t, client, 11)))
}

func TestOversizedCorkedWriteKeepsOrder(t *testing.T) {
	l := runLoop(t)
	s, client := socketPair(t, l)

	big := bytes.Repeat([]byte{'y'}, CorkBufferSize+100)
	l.Sync(func() {
		s.CorkScope(func() {
			s.Write([]byte("x"))
			s.Write(big)
			s.Write([]byte("z"))
		})
	})
	got := readN(t, client, len(big)+2)
	assert.Equal(t, byte('x'), got[0])
	assert.Equal(t, big, got[1:len(big)+1])
	assert.Equal(t, byte('z'), got[len(got)-1])
}

func TestWritableFiresAfterDrain(t *testing.T) {
	l := runLoop(t)
	s, client := socketPair(t, l)

	writable := make(chan int, 4)
	l.Sync(func() {
		s.OnWritable(func() { writable <- s.BufferedAmount() })
		s.Write([]byte("ping"))
	})
	readN(t, client, 4)
	select {
	case n := <-writable:
		assert.Zero(t, n)
	case <-time.After(5 * time.Second):
		t.Fatal("writable callback did not fire")
	}
}

func TestShutdownFlushesThenSendsFIN(t *testing.T) {
	l := runLoop(t)
	s, client := socketPair(t, l)

	var shut bool
	l.Sync(func() {
		s.Write([]byte("bye"))
		s.Shutdown()
		s.Write([]byte("ignored"))
		shut = s.IsShutDown()
	})
	assert.True(t, shut)

	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	rest, err := io.ReadAll(client)
	require.NoError(t, err)
	assert.Equal(t, "bye", string(rest))
}

func TestCloseRunsCallbackOnce(t *testing.T) {
	l := runLoop(t)
	s, client := socketPair(t, l)

	calls := 0
	var refsBefore, refsAfter int64
	l.Sync(func() {
		s.OnClose(func(err error) {
			calls++
			assert.NoError(t, err)
		})
		refsBefore = l.Refs()
		s.Close()
		s.Close()
		refsAfter = l.Refs()
	})
	assert.Equal(t, 1, calls)
	assert.Equal(t, refsBefore-1, refsAfter)

	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := client.Read(make([]byte, 1))
	assert.Error(t, err)
}

func TestRemoteAddress(t *testing.T) {
	l := runLoop(t)
	s, _ := socketPair(t, l)

	var raw []byte
	var text string
	l.Sync(func() {
		raw = s.RemoteAddress()
		text = s.RemoteAddressText()
	})
	assert.Equal(t, []byte{127, 0, 0, 1}, raw)
	assert.Equal(t, "127.0.0.1", text)
}

func TestListenReportsBindFailure(t *testing.T) {
	l := runLoop(t)
	var (
		first *ListenSocket
		err   error
	)
	l.Sync(func() {
		first, err = Listen(l, "tcp", "127.0.0.1:0", ListenExclusivePort, nil, func(c net.Conn) { _ = c.Close() })
	})
	require.NoError(t, err)
	assert.Positive(t, first.Port())

	l.Sync(func() {
		_, err = Listen(l, "tcp", first.Addr().String(), ListenExclusivePort, nil, func(c net.Conn) { _ = c.Close() })
	})
	assert.Error(t, err)
	l.Sync(first.Close)
}
