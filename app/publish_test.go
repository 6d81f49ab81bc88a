package app

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-uws/api"
	"github.com/momentics/hioload-uws/loop"
	"github.com/momentics/hioload-uws/pubsub"
	"github.com/momentics/hioload-uws/transport"
)

// stubConn stands in for a WebSocket in the TopicTree. With closeOnSend it
// behaves like a socket closed for exceeding its backpressure limit.
type stubConn struct {
	sock        *transport.Socket
	closeOnSend bool
	drops       int
	corked      bool
}

func (c *stubConn) socket() *transport.Socket { return c.sock }

func (c *stubConn) sendPublished(m *pubsub.Message) api.SendStatus {
	c.corked = c.sock.IsCorked()
	if c.closeOnSend {
		c.sock.Write(m.Payload)
		c.sock.Close()
		return api.Dropped
	}
	c.sock.Write(m.Payload)
	return api.Success
}

func (c *stubConn) dropped(*pubsub.Message) { c.drops++ }

func pipeSocket(t *testing.T, l *loop.Loop) (*transport.Socket, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	s := transport.NewSocket(l, server)
	t.Cleanup(func() {
		s.Close()
		_ = client.Close()
	})
	return s, client
}

func TestDrainLeavesClosedSubscriberAlone(t *testing.T) {
	l := loop.New()
	a := New(l)
	a.tree = pubsub.New(a.deliver)

	closingSock, _ := pipeSocket(t, l)
	openSock, client := pipeSocket(t, l)
	closing := &stubConn{sock: closingSock, closeOnSend: true}
	open := &stubConn{sock: openSock}
	for _, c := range []*stubConn{closing, open} {
		require.True(t, a.tree.Subscribe(a.tree.NewSubscriber(c), "room"))
	}

	require.True(t, a.publish(nil, "room", []byte("news"), 1, false))
	a.drain()

	assert.True(t, closing.corked)
	assert.True(t, closingSock.IsClosed())
	assert.False(t, closingSock.IsCorked())
	assert.Zero(t, closingSock.BufferedAmount())
	assert.Equal(t, 1, closing.drops)
	assert.False(t, a.drainCork)

	assert.True(t, open.corked)
	assert.False(t, openSock.IsCorked())
	assert.Zero(t, open.drops)
	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 4)
	_, err := io.ReadFull(client, buf)
	require.NoError(t, err)
	assert.Equal(t, "news", string(buf))
}
