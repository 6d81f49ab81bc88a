// File: protocol/frame_codec.go
// Package protocol implements the allocation-free frame encoder.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Frames are appended to caller-managed buffers so that corked writes can be
// assembled directly in the socket's cork buffer.

package protocol

import "encoding/binary"

// FrameHeaderLen returns the header size for a payload of n bytes.
func FrameHeaderLen(n int, masked bool) int {
	size := 2
	switch {
	case n > 0xFFFF:
		size += 8
	case n > 125:
		size += 2
	}
	if masked {
		size += 4
	}
	return size
}

// AppendFrame appends an unmasked server frame to dst.
func AppendFrame(dst []byte, op OpCode, payload []byte, fin, rsv1 bool) []byte {
	dst = appendHeader(dst, op, len(payload), fin, rsv1, false)
	return append(dst, payload...)
}

// AppendMaskedFrame appends a client frame masked with key. payload is left
// untouched.
func AppendMaskedFrame(dst []byte, op OpCode, payload []byte, fin, rsv1 bool, key [4]byte) []byte {
	dst = appendHeader(dst, op, len(payload), fin, rsv1, true)
	dst = append(dst, key[:]...)
	start := len(dst)
	dst = append(dst, payload...)
	maskBytes(dst[start:], key)
	return dst
}

func appendHeader(dst []byte, op OpCode, n int, fin, rsv1, mask bool) []byte {
	b0 := byte(op) & 0x0F
	if fin {
		b0 |= FinBit
	}
	if rsv1 {
		b0 |= Rsv1Bit
	}
	var maskBit byte
	if mask {
		maskBit = MaskBit
	}
	switch {
	case n <= 125:
		return append(dst, b0, byte(n)|maskBit)
	case n <= 0xFFFF:
		dst = append(dst, b0, 126|maskBit, 0, 0)
		binary.BigEndian.PutUint16(dst[len(dst)-2:], uint16(n))
		return dst
	default:
		dst = append(dst, b0, 127|maskBit, 0, 0, 0, 0, 0, 0, 0, 0)
		binary.BigEndian.PutUint64(dst[len(dst)-8:], uint64(n))
		return dst
	}
}
