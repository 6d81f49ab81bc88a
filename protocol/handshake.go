// File: protocol/handshake.go
// Package protocol
// Author: momentics <momentics@gmail.com>
//
// Server side of the RFC 6455 opening handshake: key validation, the
// Sec-WebSocket-Accept digest and header token helpers.

package protocol

import (
	"crypto/sha1"
	"encoding/base64"
	"strings"
)

const (
	WebSocketGUID            = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"
	WebSocketKeyLen          = 24
	RequiredWebSocketVersion = "13"

	HeaderConnection          = "Connection"
	HeaderUpgrade             = "Upgrade"
	HeaderSecWebSocketKey     = "Sec-WebSocket-Key"
	HeaderSecWebSocketVersion = "Sec-WebSocket-Version"
	HeaderSecWebSocketProto   = "Sec-WebSocket-Protocol"
	HeaderSecWebSocketExt     = "Sec-WebSocket-Extensions"
	HeaderSecWebSocketAccept  = "Sec-WebSocket-Accept"
)

// IsValidKey reports whether key has the length of a base64-encoded 16 byte
// nonce.
func IsValidKey(key string) bool { return len(key) == WebSocketKeyLen }

// ComputeAcceptKey derives the Sec-WebSocket-Accept value for key.
func ComputeAcceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key))
	h.Write([]byte(WebSocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// FirstSubprotocol returns the first entry of a Sec-WebSocket-Protocol list.
func FirstSubprotocol(offer string) string {
	if i := strings.IndexByte(offer, ','); i >= 0 {
		offer = offer[:i]
	}
	return strings.TrimSpace(offer)
}

// HeaderContainsToken reports whether a comma separated header value
// contains token, compared case-insensitively.
func HeaderContainsToken(value, token string) bool {
	for _, part := range strings.Split(value, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}
