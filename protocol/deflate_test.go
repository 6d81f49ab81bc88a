package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressOptionsWindows(t *testing.T) {
	assert.Equal(t, 0, SharedCompressor.CompressorWindow())
	assert.Equal(t, 15, DedicatedCompressor.CompressorWindow())
	assert.Equal(t, 9, DedicatedCompressor3KB.CompressorWindow())
	assert.Equal(t, 0, SharedDecompressor.DecompressorWindow())
	assert.Equal(t, 15, DedicatedDecompressor.DecompressorWindow())
	assert.Equal(t, 9, DedicatedDecompressor512B.DecompressorWindow())
}

func TestNegotiateCompression(t *testing.T) {
	tests := []struct {
		name    string
		opts    CompressOptions
		header  string
		enabled bool
		resp    string
	}{
		{"disabled", Disabled, "permessage-deflate", false, ""},
		{"no offer", SharedCompressor, "", false, ""},
		{"shared", SharedCompressor | SharedDecompressor, "permessage-deflate; client_max_window_bits",
			true, "permessage-deflate; server_no_context_takeover; client_no_context_takeover"},
		{"dedicated", DedicatedCompressor | DedicatedDecompressor, "permessage-deflate; client_max_window_bits",
			true, "permessage-deflate"},
		{"client asks server reset", DedicatedCompressor | DedicatedDecompressor, "permessage-deflate; server_no_context_takeover",
			true, "permessage-deflate; server_no_context_takeover"},
		{"small inflate window", DedicatedCompressor | DedicatedDecompressor512B, "permessage-deflate; client_max_window_bits",
			true, "permessage-deflate; client_max_window_bits=9"},
		{"small server window declined", SharedCompressor, "permessage-deflate; server_max_window_bits=10", false, ""},
		{"second offer accepted", SharedCompressor, "permessage-deflate; server_max_window_bits=10, permessage-deflate",
			true, "permessage-deflate; server_no_context_takeover; client_no_context_takeover"},
		{"unknown extension", SharedCompressor, "x-webkit-deflate-frame", false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := NegotiateCompression(tt.opts, tt.header)
			assert.Equal(t, tt.enabled, n.Enabled)
			assert.Equal(t, tt.resp, n.Response)
		})
	}
}

func TestDeflateRoundTrip(t *testing.T) {
	for _, takeover := range []bool{false, true} {
		c := NewCompressor(takeover)
		d := NewDecompressor(takeover)
		for _, msg := range []string{"hello hello hello", "hello hello hello again", "third"} {
			packed, err := c.Compress(nil, []byte(msg))
			require.NoError(t, err)
			out, err := d.Inflate(packed, 1024)
			require.NoError(t, err)
			assert.Equal(t, msg, string(out), "takeover=%v", takeover)
		}
	}
}

func TestInflateLimit(t *testing.T) {
	c := NewCompressor(false)
	packed, err := c.Compress(nil, bytes.Repeat([]byte{'a'}, 1000))
	require.NoError(t, err)

	d := NewDecompressor(false)
	_, err = d.Inflate(packed, 100)
	assert.ErrorIs(t, err, ErrInflateTooLarge)

	out, err := d.Inflate(packed, 1000)
	require.NoError(t, err)
	assert.Len(t, out, 1000)

	_, err = d.Inflate(packed, 0)
	assert.ErrorIs(t, err, ErrInflateTooLarge)
}

func TestInflateZeroLimitAdmitsEmpty(t *testing.T) {
	c := NewCompressor(false)
	packed, err := c.Compress(nil, nil)
	require.NoError(t, err)

	out, err := NewDecompressor(false).Inflate(packed, 0)
	require.NoError(t, err)
	assert.Empty(t, out)
}
