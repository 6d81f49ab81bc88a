package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-uws/app"
	"github.com/momentics/hioload-uws/loop"
)

func runNATS(t *testing.T) *server.Server {
	t.Helper()
	ns, err := server.NewServer(&server.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	require.NoError(t, err)
	go ns.Start()
	require.True(t, ns.ReadyForConnections(10*time.Second))
	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})
	return ns
}

// runApp serves a WebSocket route that subscribes every client to "room.1".
func runApp(t *testing.T) (*app.App, string) {
	t.Helper()
	l := loop.New()
	a := app.New(l)
	b := app.DefaultBehavior[struct{}]()
	b.Open = func(ws *app.WebSocket[struct{}]) { ws.Subscribe("room.1") }
	app.WS(a, "/ws", b)

	var ls *app.ListenSocket
	a.ListenHost("127.0.0.1", 0, func(s *app.ListenSocket) { ls = s })
	require.NotNil(t, ls)
	go l.Run()
	t.Cleanup(func() {
		l.Sync(a.Destroy)
		l.Stop()
		<-l.Done()
	})
	return a, "ws://" + ls.Addr().String() + "/ws"
}

func TestBridgeRelaysToSubscribers(t *testing.T) {
	ns := runNATS(t)
	a, url := runApp(t)

	b := New(Config{URL: ns.ClientURL(), SubjectPrefix: "hioload", Name: "test"}, a)
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- b.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-served
	})
	select {
	case <-b.Ready():
	case err := <-served:
		t.Fatalf("bridge stopped: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("bridge never subscribed")
	}

	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer c.Close()
	require.Eventually(t, func() bool {
		n := 0
		a.Loop().Sync(func() { n = a.NumSubscribers("room.1") })
		return n == 1
	}, 5*time.Second, 10*time.Millisecond)

	nc, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	require.NoError(t, nc.Publish("hioload.room.2", []byte("elsewhere")))
	msg := nats.NewMsg("hioload.room.1")
	msg.Header.Set(HeaderOpcode, "text")
	msg.Data = []byte("hello")
	require.NoError(t, nc.PublishMsg(msg))
	require.NoError(t, nc.Publish("hioload.room.1", []byte{0, 1, 2}))
	require.NoError(t, nc.Flush())

	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	mt, data, err := c.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, mt)
	assert.Equal(t, "hello", string(data))

	mt, data, err = c.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, mt)
	assert.Equal(t, []byte{0, 1, 2}, data)
}

func TestServeFailsWithoutServer(t *testing.T) {
	b := New(Config{URL: "nats://127.0.0.1:1", SubjectPrefix: "hioload"}, nil)
	err := b.Serve(context.Background())
	assert.Error(t, err)
}

func TestTopicOf(t *testing.T) {
	topic, ok := TopicOf("hioload", "hioload.room.42")
	assert.True(t, ok)
	assert.Equal(t, "room.42", topic)

	_, ok = TopicOf("hioload", "other.room")
	assert.False(t, ok)
	_, ok = TopicOf("hioload", "hioload.")
	assert.False(t, ok)
	_, ok = TopicOf("hioload", "hioloadx.room")
	assert.False(t, ok)
}
