// File: protocol/constants.go
// Package protocol
// Author: momentics <momentics@gmail.com>
//
// WebSocket wire protocol constants.

package protocol

// OpCode is a WebSocket frame opcode.
type OpCode uint8

const (
	OpContinuation OpCode = 0x0
	OpText         OpCode = 0x1
	OpBinary       OpCode = 0x2
	OpClose        OpCode = 0x8
	OpPing         OpCode = 0x9
	OpPong         OpCode = 0xA
)

// IsControl reports whether op is a control opcode.
func (op OpCode) IsControl() bool { return op&0x8 != 0 }

func (op OpCode) String() string {
	switch op {
	case OpContinuation:
		return "continuation"
	case OpText:
		return "text"
	case OpBinary:
		return "binary"
	case OpClose:
		return "close"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	default:
		return "reserved"
	}
}

const (
	MaxControlPayloadLen = 125
	MaxFrameHeaderLen    = 14

	FinBit  = 0x80
	Rsv1Bit = 0x40
	Rsv2Bit = 0x20
	Rsv3Bit = 0x10
	MaskBit = 0x80
)

// Close codes.
const (
	CloseNormalClosure      = 1000
	CloseGoingAway          = 1001
	CloseProtocolError      = 1002
	CloseUnsupportedData    = 1003
	CloseNoStatusRcvd       = 1005
	CloseAbnormalClosure    = 1006
	CloseInvalidPayloadData = 1007
	ClosePolicyViolation    = 1008
	CloseMessageTooBig      = 1009
	CloseMissingExtension   = 1010
	CloseInternalServerErr  = 1011
)

// Reasons attached to server-initiated abrupt closes.
const (
	ReasonTooBigMessage          = "Received too big message"
	ReasonTooBigMessageInflation = "Received too big inflated message"
	ReasonInvalidText            = "Received invalid UTF-8"
	ReasonTimeout                = "WebSocket timed out from inactivity"
	ReasonProtocol               = "Received invalid WebSocket frame"
	ReasonInvalidCompression     = "Received invalid compressed message"
)

// PingFrame is the empty server ping written on idle timeout.
var PingFrame = []byte{FinBit | byte(OpPing), 0x00}
