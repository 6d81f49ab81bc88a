// File: protocol/frame.go
// Package protocol
// Author: momentics <momentics@gmail.com>
//
// WebSocket frame decoding and validation. Payload limits are enforced from
// the header, before the payload is read.

package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/momentics/hioload-uws/api"
)

// ErrFrameTooLarge is a limit violation. The others wrap api.ErrProtocol.
var (
	ErrFrameTooLarge  = errors.New("frame payload exceeds limit")
	ErrReservedBits   = fmt.Errorf("%w: reserved bits set", api.ErrProtocol)
	ErrUnknownOpcode  = fmt.Errorf("%w: unknown opcode", api.ErrProtocol)
	ErrControlFrame   = fmt.Errorf("%w: fragmented or oversized control frame", api.ErrProtocol)
	ErrUnmaskedFrame  = fmt.Errorf("%w: client frame is not masked", api.ErrProtocol)
	ErrNegativeLength = fmt.Errorf("%w: payload length has the most significant bit set", api.ErrProtocol)
)

// WSFrame represents a decoded WebSocket frame.
type WSFrame struct {
	IsFinal    bool
	Rsv1       bool // permessage-deflate marker
	Opcode     OpCode
	Masked     bool
	PayloadLen int64
	MaskKey    [4]byte
	Payload    []byte // unmasked
}

// ReadFrame reads one frame from r. limit is an inclusive upper bound on the
// payload of data frames; zero admits only empty payloads. requireMask
// enforces the client-to-server masking rule.
func ReadFrame(r io.Reader, limit int64, requireMask bool) (*WSFrame, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	f := &WSFrame{
		IsFinal: hdr[0]&FinBit != 0,
		Rsv1:    hdr[0]&Rsv1Bit != 0,
		Opcode:  OpCode(hdr[0] & 0x0F),
		Masked:  hdr[1]&MaskBit != 0,
	}
	if hdr[0]&(Rsv2Bit|Rsv3Bit) != 0 {
		return nil, ErrReservedBits
	}
	switch f.Opcode {
	case OpContinuation, OpText, OpBinary, OpClose, OpPing, OpPong:
	default:
		return nil, ErrUnknownOpcode
	}
	if requireMask && !f.Masked {
		return nil, ErrUnmaskedFrame
	}

	payloadLen := int64(hdr[1] & 0x7F)
	switch payloadLen {
	case 126:
		var ext [2]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return nil, err
		}
		payloadLen = int64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return nil, err
		}
		v := binary.BigEndian.Uint64(ext[:])
		if v>>63 != 0 {
			return nil, ErrNegativeLength
		}
		payloadLen = int64(v)
	}
	f.PayloadLen = payloadLen

	if f.Opcode.IsControl() {
		if !f.IsFinal || payloadLen > MaxControlPayloadLen || f.Rsv1 {
			return nil, ErrControlFrame
		}
	} else if payloadLen > max(limit, 0) {
		return nil, ErrFrameTooLarge
	}

	if f.Masked {
		if _, err := io.ReadFull(r, f.MaskKey[:]); err != nil {
			return nil, err
		}
	}

	if payloadLen > math.MaxInt {
		return nil, ErrFrameTooLarge
	}
	f.Payload = make([]byte, payloadLen)
	if _, err := io.ReadFull(r, f.Payload); err != nil {
		return nil, err
	}
	if f.Masked {
		maskBytes(f.Payload, f.MaskKey)
	}
	return f, nil
}

// maskBytes applies the XOR mask in place. Masking is its own inverse.
func maskBytes(buf []byte, key [4]byte) {
	for i := range buf {
		buf[i] ^= key[i&3]
	}
}
