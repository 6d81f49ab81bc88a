// File: protocol/close.go
// Author: momentics <momentics@gmail.com>

package protocol

import (
	"encoding/binary"
	"unicode/utf8"
)

// CloseFrame is a parsed close payload.
type CloseFrame struct {
	Code   int
	Reason []byte
}

// IsValidCloseCode reports whether code may appear on the wire.
func IsValidCloseCode(code int) bool {
	switch {
	case code >= 1000 && code <= 1003:
		return true
	case code >= 1007 && code <= 1014:
		return true
	case code >= 3000 && code <= 4999:
		return true
	}
	return false
}

// ParseClosePayload decodes a close frame body. An empty body yields
// CloseNoStatusRcvd. It reports false for a one byte body, a reserved code
// or a reason that is not UTF-8.
func ParseClosePayload(p []byte) (CloseFrame, bool) {
	switch {
	case len(p) == 0:
		return CloseFrame{Code: CloseNoStatusRcvd}, true
	case len(p) == 1:
		return CloseFrame{}, false
	}
	code := int(binary.BigEndian.Uint16(p))
	reason := p[2:]
	if !IsValidCloseCode(code) || !utf8.Valid(reason) {
		return CloseFrame{}, false
	}
	return CloseFrame{Code: code, Reason: reason}, true
}

// AppendClosePayload appends a close body to dst. Code 0 and
// CloseNoStatusRcvd produce an empty body. The reason is cut to fit the
// control frame limit.
func AppendClosePayload(dst []byte, code int, reason []byte) []byte {
	if code == 0 || code == CloseNoStatusRcvd {
		return dst
	}
	if len(reason) > MaxControlPayloadLen-2 {
		reason = reason[:MaxControlPayloadLen-2]
	}
	dst = binary.BigEndian.AppendUint16(dst, uint16(code))
	return append(dst, reason...)
}
