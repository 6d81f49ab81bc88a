// File: protocol/deflate.go
// Package protocol
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// permessage-deflate (RFC 7692): offer negotiation plus the compressor and
// decompressor used by WebSocket routes. Shared contexts reset between
// messages (no context takeover); dedicated ones keep their sliding window.

package protocol

import (
	"bytes"
	"errors"
	"io"
	"strconv"
	"strings"

	"github.com/klauspost/compress/flate"
)

// CompressOptions selects compressor and decompressor per route. The low
// byte describes the compressor, bits 8-11 the decompressor.
type CompressOptions uint16

const (
	CompressorMask   CompressOptions = 0x00FF
	DecompressorMask CompressOptions = 0x0F00

	Disabled           CompressOptions = 0
	SharedCompressor   CompressOptions = 1
	SharedDecompressor CompressOptions = 1 << 8

	DedicatedDecompressor32KB CompressOptions = 15 << 8
	DedicatedDecompressor16KB CompressOptions = 14 << 8
	DedicatedDecompressor8KB  CompressOptions = 13 << 8
	DedicatedDecompressor4KB  CompressOptions = 12 << 8
	DedicatedDecompressor2KB  CompressOptions = 11 << 8
	DedicatedDecompressor1KB  CompressOptions = 10 << 8
	DedicatedDecompressor512B CompressOptions = 9 << 8
	DedicatedDecompressor     CompressOptions = DedicatedDecompressor32KB

	DedicatedCompressor3KB   CompressOptions = 9<<4 | 1
	DedicatedCompressor4KB   CompressOptions = 9<<4 | 2
	DedicatedCompressor8KB   CompressOptions = 10<<4 | 3
	DedicatedCompressor16KB  CompressOptions = 11<<4 | 4
	DedicatedCompressor32KB  CompressOptions = 12<<4 | 5
	DedicatedCompressor64KB  CompressOptions = 13<<4 | 6
	DedicatedCompressor128KB CompressOptions = 14<<4 | 7
	DedicatedCompressor256KB CompressOptions = 15<<4 | 8
	DedicatedCompressor      CompressOptions = DedicatedCompressor256KB
)

const maxWindowBits = 15

// CompressorWindow returns the wanted compressor window bits, 0 for shared.
func (o CompressOptions) CompressorWindow() int { return int(o&CompressorMask) >> 4 }

// DecompressorWindow returns the wanted decompressor window bits, 0 for
// shared.
func (o CompressOptions) DecompressorWindow() int {
	if o&DecompressorMask == SharedDecompressor {
		return 0
	}
	return int(o&DecompressorMask) >> 8
}

// Negotiation is the outcome of NegotiateCompression.
type Negotiation struct {
	Enabled bool
	// SharedCompressor means the server resets its context per message.
	SharedCompressor bool
	// SharedDecompressor means the client resets its context per message.
	SharedDecompressor bool
	// Response is the Sec-WebSocket-Extensions value to send back.
	Response string
}

type deflateOffer struct {
	serverNoContextTakeover bool
	clientNoContextTakeover bool
	serverMaxWindowBits     int // 0 when absent
	clientMaxWindowBits     int // -1 absent, 0 present without value
}

// NegotiateCompression picks the first acceptable permessage-deflate offer
// from a Sec-WebSocket-Extensions header.
func NegotiateCompression(opts CompressOptions, header string) Negotiation {
	if opts == Disabled || header == "" {
		return Negotiation{}
	}
	wantCompress := opts.CompressorWindow()
	wantInflate := opts.DecompressorWindow()

	for _, raw := range strings.Split(header, ",") {
		offer, ok := parseDeflateOffer(raw)
		if !ok {
			continue
		}
		// The flate writer always uses a 32 KiB window, so any smaller
		// server window cannot be honoured.
		if offer.serverMaxWindowBits != 0 && offer.serverMaxWindowBits < maxWindowBits {
			continue
		}

		n := Negotiation{Enabled: true}
		resp := []string{"permessage-deflate"}
		if wantCompress == 0 || offer.serverNoContextTakeover {
			n.SharedCompressor = true
			resp = append(resp, "server_no_context_takeover")
		}
		switch {
		case wantInflate == 0 || offer.clientNoContextTakeover:
			n.SharedDecompressor = true
			resp = append(resp, "client_no_context_takeover")
		case offer.clientMaxWindowBits >= 0 && wantInflate < maxWindowBits:
			bits := wantInflate
			if offer.clientMaxWindowBits > 0 && offer.clientMaxWindowBits < bits {
				bits = offer.clientMaxWindowBits
			}
			resp = append(resp, "client_max_window_bits="+strconv.Itoa(bits))
		}
		n.Response = strings.Join(resp, "; ")
		return n
	}
	return Negotiation{}
}

func parseDeflateOffer(raw string) (deflateOffer, bool) {
	offer := deflateOffer{clientMaxWindowBits: -1}
	params := strings.Split(raw, ";")
	if strings.TrimSpace(params[0]) != "permessage-deflate" {
		return offer, false
	}
	for _, p := range params[1:] {
		name, value, _ := strings.Cut(strings.TrimSpace(p), "=")
		value = strings.Trim(strings.TrimSpace(value), `"`)
		switch strings.TrimSpace(name) {
		case "server_no_context_takeover":
			offer.serverNoContextTakeover = true
		case "client_no_context_takeover":
			offer.clientNoContextTakeover = true
		case "server_max_window_bits":
			bits, err := strconv.Atoi(value)
			if err != nil || bits < 8 || bits > maxWindowBits {
				return offer, false
			}
			offer.serverMaxWindowBits = bits
		case "client_max_window_bits":
			if value == "" {
				offer.clientMaxWindowBits = 0
				continue
			}
			bits, err := strconv.Atoi(value)
			if err != nil || bits < 8 || bits > maxWindowBits {
				return offer, false
			}
			offer.clientMaxWindowBits = bits
		default:
			return offer, false
		}
	}
	return offer, true
}

// ErrInflateTooLarge reports that a message inflated past its limit.
var ErrInflateTooLarge = errors.New("inflated message exceeds limit")

// deflateTail terminates a message stripped of its sync-flush marker and
// appends an empty final stored block so the reader reaches EOF.
const deflateTail = "\x00\x00\xff\xff\x01\x00\x00\xff\xff"

// Compressor deflates outgoing messages.
type Compressor struct {
	w        *flate.Writer
	buf      bytes.Buffer
	takeover bool
}

// NewCompressor returns a compressor. With contextTakeover the window
// survives across messages.
func NewCompressor(contextTakeover bool) *Compressor {
	c := &Compressor{takeover: contextTakeover}
	// BestSpeed is a valid level, NewWriter cannot fail.
	c.w, _ = flate.NewWriter(&c.buf, flate.BestSpeed)
	return c
}

// Compress appends the deflated form of p to dst.
func (c *Compressor) Compress(dst, p []byte) ([]byte, error) {
	c.buf.Reset()
	if !c.takeover {
		c.w.Reset(&c.buf)
	}
	if _, err := c.w.Write(p); err != nil {
		return dst, err
	}
	if err := c.w.Flush(); err != nil {
		return dst, err
	}
	out := c.buf.Bytes()
	if len(out) >= 4 {
		out = out[:len(out)-4]
	}
	return append(dst, out...), nil
}

// Decompressor inflates incoming messages.
type Decompressor struct {
	r        io.ReadCloser
	takeover bool
	history  []byte
	out      bytes.Buffer
}

// NewDecompressor returns a decompressor. With contextTakeover the last
// 32 KiB of output seed the next message's window.
func NewDecompressor(contextTakeover bool) *Decompressor {
	return &Decompressor{
		r:        flate.NewReader(bytes.NewReader(nil)),
		takeover: contextTakeover,
	}
}

// Inflate decompresses p. The result is valid until the next call. Output
// longer than limit fails with ErrInflateTooLarge; a zero limit admits only
// empty messages.
func (d *Decompressor) Inflate(p []byte, limit int) ([]byte, error) {
	src := io.MultiReader(bytes.NewReader(p), strings.NewReader(deflateTail))
	var dict []byte
	if d.takeover {
		dict = d.history
	}
	if err := d.r.(flate.Resetter).Reset(src, dict); err != nil {
		return nil, err
	}

	d.out.Reset()
	limit = max(limit, 0)
	if _, err := d.out.ReadFrom(io.LimitReader(d.r, int64(limit)+1)); err != nil {
		return nil, err
	}
	if d.out.Len() > limit {
		return nil, ErrInflateTooLarge
	}
	out := d.out.Bytes()
	if d.takeover {
		d.history = append(d.history, out...)
		if over := len(d.history) - (1 << maxWindowBits); over > 0 {
			d.history = append(d.history[:0], d.history[over:]...)
		}
	}
	return out, nil
}
