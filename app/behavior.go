// File: app/behavior.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package app

import (
	"github.com/momentics/hioload-uws/api"
	"github.com/momentics/hioload-uws/protocol"
)

// WebSocketBehavior is the immutable configuration of one WebSocket route.
// T is the per-connection user data type.
type WebSocketBehavior[T any] struct {
	Compression protocol.CompressOptions
	// MaxPayloadLength bounds a complete message, before and after
	// inflation. The bound always applies: zero accepts only empty messages.
	MaxPayloadLength int
	// IdleTimeout is in seconds: 0, or 8 through 960.
	IdleTimeout int
	// MaxBackpressure is in bytes. Zero disables the limit.
	MaxBackpressure          int
	CloseOnBackpressureLimit bool
	ResetIdleTimeoutOnSend   bool
	SendPingsAutomatically   bool
	// MaxLifetime is in minutes, at most 240. Zero disables it.
	MaxLifetime int

	Upgrade      func(res *HttpResponse, req *HttpRequest, ctx *WebSocketContext[T])
	Open         func(ws *WebSocket[T])
	Message      func(ws *WebSocket[T], msg []byte, op protocol.OpCode)
	Dropped      func(ws *WebSocket[T], msg []byte, op protocol.OpCode)
	Drain        func(ws *WebSocket[T])
	Ping         func(ws *WebSocket[T], msg []byte)
	Pong         func(ws *WebSocket[T], msg []byte)
	Subscription func(ws *WebSocket[T], topic string, newCount, oldCount int)
	Close        func(ws *WebSocket[T], code int, msg []byte)
}

// DefaultBehavior returns the stock route settings: no compression, 16 KiB
// messages, 120 s idle timeout with automatic pings and 64 KiB of
// backpressure.
func DefaultBehavior[T any]() WebSocketBehavior[T] {
	return WebSocketBehavior[T]{
		Compression:            protocol.Disabled,
		MaxPayloadLength:       16 * 1024,
		IdleTimeout:            120,
		MaxBackpressure:        64 * 1024,
		SendPingsAutomatically: true,
	}
}

const (
	errIdleTooSmall    = "Error: idleTimeout must be either 0 or greater than 8!"
	errIdleTooLarge    = "Error: idleTimeout must not be greater than 960 seconds!"
	errLifetimeTooLong = "Error: maxLifetime must not be greater than 240 minutes!"
)

// ValidateBehavior checks the timeout bounds. WS treats a failure as fatal.
func ValidateBehavior[T any](b WebSocketBehavior[T]) error {
	switch {
	case b.IdleTimeout != 0 && b.IdleTimeout < 8:
		return api.NewError(api.ErrCodeConfiguration, errIdleTooSmall)
	case b.IdleTimeout > 960:
		return api.NewError(api.ErrCodeConfiguration, errIdleTooLarge)
	case b.MaxLifetime < 0 || b.MaxLifetime > 240:
		return api.NewError(api.ErrCodeConfiguration, errLifetimeTooLong)
	}
	return nil
}

// CalculateIdleTimeoutComponents splits an idle timeout into the first
// countdown and the ping grace period, both in seconds. With automatic pings
// the first countdown is shortened so a pong can arrive before idle expires.
func CalculateIdleTimeoutComponents(idle int, autoPing bool) (first, second int) {
	margin := 4
	for idle-2*margin >= 2*margin && margin < 16 {
		margin <<= 1
	}
	first = idle
	if autoPing {
		first -= margin
	}
	return first, margin
}
