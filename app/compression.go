// File: app/compression.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package app

import (
	"github.com/momentics/hioload-uws/loop"
	"github.com/momentics/hioload-uws/protocol"
)

type sharedDeflateKey struct{}

// sharedDeflate is the loop-wide state used by connections that reset their
// context after every message.
type sharedDeflate struct {
	compressor   *protocol.Compressor
	decompressor *protocol.Decompressor
}

func loopDeflate(l *loop.Loop) *sharedDeflate {
	return l.Value(sharedDeflateKey{}, func() any {
		return &sharedDeflate{
			compressor:   protocol.NewCompressor(false),
			decompressor: protocol.NewDecompressor(false),
		}
	}).(*sharedDeflate)
}

// deflateState is one connection's view of permessage-deflate.
type deflateState struct {
	enabled      bool
	compressor   *protocol.Compressor
	decompressor *protocol.Decompressor
}

func newDeflateState(l *loop.Loop, n protocol.Negotiation) deflateState {
	if !n.Enabled {
		return deflateState{}
	}
	st := deflateState{enabled: true}
	var shared *sharedDeflate
	if n.SharedCompressor || n.SharedDecompressor {
		shared = loopDeflate(l)
	}
	if n.SharedCompressor {
		st.compressor = shared.compressor
	} else {
		st.compressor = protocol.NewCompressor(true)
	}
	if n.SharedDecompressor {
		st.decompressor = shared.decompressor
	} else {
		st.decompressor = protocol.NewDecompressor(true)
	}
	return st
}
