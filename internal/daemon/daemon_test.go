package daemon

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-uws/api"
	"github.com/momentics/hioload-uws/app"
	"github.com/momentics/hioload-uws/internal/config"
	"github.com/momentics/hioload-uws/loop"
	"github.com/momentics/hioload-uws/protocol"
)

type harness struct {
	t     *testing.T
	d     *Daemon
	admin string
}

func startDaemon(t *testing.T) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Admin.Addr = "127.0.0.1:0"
	cfg.Admin.PublishRate = 1000
	require.NoError(t, cfg.Validate())

	d, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(15 * time.Second):
			t.Error("daemon did not stop")
		}
	})

	select {
	case <-d.Admin().Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("admin api not ready")
	}
	return &harness{t: t, d: d, admin: "http://" + d.Admin().Addr().String()}
}

func (h *harness) dial() *websocket.Conn {
	h.t.Helper()
	c, _, err := websocket.DefaultDialer.Dial("ws://"+h.d.Addr().String()+"/ws?name=test", nil)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = c.Close() })
	return c
}

func send(t *testing.T, c *websocket.Conn, cmd Command) {
	t.Helper()
	buf, err := json.Marshal(cmd)
	require.NoError(t, err)
	require.NoError(t, c.WriteMessage(websocket.TextMessage, buf))
}

func read(t *testing.T, c *websocket.Conn) string {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := c.ReadMessage()
	require.NoError(t, err)
	return string(msg)
}

func readReply(t *testing.T, c *websocket.Conn) Reply {
	t.Helper()
	var r Reply
	require.NoError(t, json.Unmarshal([]byte(read(t, c)), &r))
	return r
}

func TestBrokerCommands(t *testing.T) {
	h := startDaemon(t)
	alice, bob := h.dial(), h.dial()

	send(t, alice, Command{Op: "subscribe", Topic: "room"})
	assert.Equal(t, Reply{Event: "subscribed", Topic: "room", Subscribers: 1}, readReply(t, alice))
	send(t, bob, Command{Op: "subscribe", Topic: "room"})
	assert.Equal(t, Reply{Event: "subscribed", Topic: "room", Subscribers: 2}, readReply(t, bob))

	send(t, alice, Command{Op: "publish", Topic: "room", Data: "hi"})
	assert.Equal(t, Reply{Event: "published", Topic: "room", Subscribers: 2}, readReply(t, alice))
	assert.Equal(t, "hi", read(t, bob))

	send(t, bob, Command{Op: "unsubscribe", Topic: "room"})
	assert.Equal(t, Reply{Event: "unsubscribed", Topic: "room", Subscribers: 1}, readReply(t, bob))

	send(t, bob, Command{Op: "shout", Topic: "room"})
	assert.Equal(t, "error", readReply(t, bob).Event)
	require.NoError(t, bob.WriteMessage(websocket.TextMessage, []byte("{")))
	assert.Equal(t, Reply{Event: "error", Error: "malformed command"}, readReply(t, bob))
}

func TestAdminAPI(t *testing.T) {
	h := startDaemon(t)
	c := h.dial()
	send(t, c, Command{Op: "subscribe", Topic: "news"})
	readReply(t, c)

	resp, err := http.Get(h.admin + "/topics/news")
	require.NoError(t, err)
	var st TopicStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, TopicStatus{Topic: "news", Subscribers: 1}, st)

	resp, err = http.Post(h.admin+"/topics/news", "text/plain", strings.NewReader("extra"))
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.NotNil(t, st.Delivered)
	assert.True(t, *st.Delivered)
	assert.Equal(t, "extra", read(t, c))

	resp, err = http.Post(h.admin+"/topics/news?op=binary", "application/octet-stream", strings.NewReader("\x00\x01"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	mt, msg, err := c.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, mt)
	assert.Equal(t, []byte{0, 1}, msg)

	resp, err = http.Post(h.admin+"/topics/news", "text/plain", strings.NewReader("\xff"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(h.admin+"/topics/news?op=ternary", "text/plain", strings.NewReader("x"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(h.admin + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(h.admin + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "hioload_uws_pubsub_published_total")
}

func TestAdminReportsStoppedLoop(t *testing.T) {
	l := loop.New()
	go l.Run()
	l.Stop()
	<-l.Done()
	h := NewAdminRouter(app.New(l), 10)

	for _, method := range []string{http.MethodGet, http.MethodPost} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(method, "/topics/news", strings.NewReader("x")))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, method)
		assert.Contains(t, rec.Body.String(), api.ErrLoopStopped.Error(), method)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestPlainRoutes(t *testing.T) {
	h := startDaemon(t)
	base := "http://" + h.d.Addr().String()

	resp, err := http.Get(base + "/ws")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"websocket":"/ws"`)

	resp, err = http.Get(base + "/healthz")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "ok", string(body))

	resp, err = http.Get(base + "/missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCompressOptions(t *testing.T) {
	assert.Equal(t, protocol.Disabled, CompressOptions("disabled"))
	assert.Equal(t, protocol.SharedCompressor|protocol.SharedDecompressor, CompressOptions("shared"))
	assert.Equal(t, protocol.DedicatedCompressor|protocol.DedicatedDecompressor, CompressOptions("dedicated"))
}

func TestNewFailsOnBusyPort(t *testing.T) {
	h := startDaemon(t)
	cfg := config.Default()
	cfg.Admin.Enabled = false
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = h.d.Addr().(*net.TCPAddr).Port
	_, err := New(cfg)
	assert.Error(t, err)
}
