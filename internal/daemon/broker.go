// File: internal/daemon/broker.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The broker route speaks a small JSON command protocol:
//
//	{"op":"subscribe","topic":"room.1"}
//	{"op":"unsubscribe","topic":"room.1"}
//	{"op":"publish","topic":"room.1","data":"hello"}
//
// Every command is answered with a Reply. Published data reaches the other
// subscribers as a raw text frame.

package daemon

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/momentics/hioload-uws/app"
	"github.com/momentics/hioload-uws/internal/config"
	"github.com/momentics/hioload-uws/internal/logging"
	"github.com/momentics/hioload-uws/protocol"
)

// Session is the per-connection state of a broker client.
type Session struct {
	ID     uuid.UUID
	Name   string
	Joined time.Time
}

// Command is one client request.
type Command struct {
	Op    string `json:"op" validate:"required,oneof=subscribe unsubscribe publish"`
	Topic string `json:"topic" validate:"required,max=256"`
	Data  string `json:"data,omitempty"`
}

// Reply acknowledges a Command.
type Reply struct {
	Event       string `json:"event"`
	Topic       string `json:"topic,omitempty"`
	Subscribers int    `json:"subscribers"`
	Error       string `json:"error,omitempty"`
}

var commandValidator = validator.New()

// CompressOptions maps the configured compression mode.
func CompressOptions(mode string) protocol.CompressOptions {
	switch mode {
	case "shared":
		return protocol.SharedCompressor | protocol.SharedDecompressor
	case "dedicated":
		return protocol.DedicatedCompressor | protocol.DedicatedDecompressor
	default:
		return protocol.Disabled
	}
}

// BrokerBehavior builds the broker WebSocket route for a.
func BrokerBehavior(a *app.App, cfg config.WSConfig) app.WebSocketBehavior[Session] {
	b := app.DefaultBehavior[Session]()
	b.Compression = CompressOptions(cfg.Compression)
	b.MaxPayloadLength = cfg.MaxPayloadLength
	b.IdleTimeout = cfg.IdleTimeout
	b.MaxBackpressure = cfg.MaxBackpressure
	b.CloseOnBackpressureLimit = cfg.CloseOnBackpressureLimit
	b.ResetIdleTimeoutOnSend = cfg.ResetIdleTimeoutOnSend
	b.SendPingsAutomatically = cfg.SendPingsAutomatically
	b.MaxLifetime = cfg.MaxLifetime

	b.Upgrade = func(res *app.HttpResponse, req *app.HttpRequest, ctx *app.WebSocketContext[Session]) {
		s := Session{ID: uuid.New(), Name: req.Query("name"), Joined: time.Now()}
		ctx.Upgrade(res, s,
			req.Header("sec-websocket-key"),
			req.Header("sec-websocket-protocol"),
			req.Header("sec-websocket-extensions"))
	}
	b.Open = func(ws *app.WebSocket[Session]) {
		s := ws.UserData()
		logging.Debug().Str("session", s.ID.String()).Str("name", s.Name).
			Str("remote", ws.RemoteAddressAsText()).Msg("broker client joined")
	}
	b.Message = func(ws *app.WebSocket[Session], msg []byte, op protocol.OpCode) {
		handleCommand(a, ws, msg)
	}
	b.Dropped = func(ws *app.WebSocket[Session], msg []byte, op protocol.OpCode) {
		logging.Debug().Str("session", ws.UserData().ID.String()).Int("bytes", len(msg)).Msg("message dropped")
	}
	b.Close = func(ws *app.WebSocket[Session], code int, msg []byte) {
		s := ws.UserData()
		logging.Debug().Str("session", s.ID.String()).Int("code", code).
			Dur("connected", time.Since(s.Joined)).Msg("broker client left")
	}
	return b
}

func handleCommand(a *app.App, ws *app.WebSocket[Session], msg []byte) {
	var cmd Command
	if err := json.Unmarshal(msg, &cmd); err != nil {
		reply(ws, Reply{Event: "error", Error: "malformed command"})
		return
	}
	if err := commandValidator.Struct(&cmd); err != nil {
		reply(ws, Reply{Event: "error", Topic: cmd.Topic, Error: "invalid command"})
		return
	}

	switch cmd.Op {
	case "subscribe":
		ws.Subscribe(cmd.Topic)
		reply(ws, Reply{Event: "subscribed", Topic: cmd.Topic, Subscribers: a.NumSubscribers(cmd.Topic)})
	case "unsubscribe":
		ws.Unsubscribe(cmd.Topic)
		reply(ws, Reply{Event: "unsubscribed", Topic: cmd.Topic, Subscribers: a.NumSubscribers(cmd.Topic)})
	case "publish":
		ws.Publish(cmd.Topic, []byte(cmd.Data), protocol.OpText, true)
		reply(ws, Reply{Event: "published", Topic: cmd.Topic, Subscribers: a.NumSubscribers(cmd.Topic)})
	}
}

func reply(ws *app.WebSocket[Session], r Reply) {
	buf, err := json.Marshal(r)
	if err != nil {
		logging.Error().Err(err).Msg("encode reply")
		return
	}
	ws.Send(buf, protocol.OpText, false)
}

// describe answers plain GET requests on the broker path.
func describe(path string) app.HandlerFunc {
	body := []byte(`{"service":"hioload-uwsd","websocket":"` + path + `","ops":["subscribe","unsubscribe","publish"]}`)
	return func(res *app.HttpResponse, req *app.HttpRequest) {
		res.WriteHeader("Content-Type", "application/json")
		res.End(body, false)
	}
}
