package ws

import (
	"bytes"
	"io"
	"testing"

	gws "github.com/gobwas/ws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	helloFrame       = []byte{0x81, 0x05, 0x48, 0x65, 0x6c, 0x6c, 0x6f}
	maskedHelloFrame = []byte{0x81, 0x85, 0x37, 0xfa, 0x21, 0x3d, 0x7f, 0x9f, 0x4d, 0x51, 0x58}
	pingFrame        = []byte{0x89, 0x00}
	pongFrame        = []byte{0x8a, 0x00}
	closeFrame       = []byte{0x88, 0x02, 0x03, 0xe9} // close frame, status 1001

	fragment1 = []byte{0x01, 0x1, 0x48}             // first text frame
	fragment2 = []byte{0x00, 0x3, 0x65, 0x6c, 0x6c} // continuation frame
	fragment3 = []byte{0x80, 0x2, 0x6f, 0x21}       // last continuation frame
)

func TestAppendHeaderLengthClasses(t *testing.T) {
	cases := []struct {
		n        int
		expected []byte
	}{
		{0, []byte{0x81, 0x00}},
		{1, []byte{0x81, 0x01}},
		{125, []byte{0x81, 0x7d}},
		{126, []byte{0x81, 0x7e, 0x00, 0x7e}},
		{65535, []byte{0x81, 0x7e, 0xff, 0xff}},
		{65536, []byte{0x81, 0x7f, 0, 0, 0, 0, 0, 0x01, 0x00, 0x00}},
		{MaxFrameSize, []byte{0x81, 0x7f, 0, 0, 0, 0, 0x01, 0x00, 0x00, 0x00}},
	}
	for _, c := range cases {
		hdr := appendHeader(nil, Text, true, c.n)
		assert.Equal(t, c.expected, hdr, "length %d", c.n)
	}

	hdr := appendHeader(nil, Continuation, false, 3)
	assert.Equal(t, []byte{0x00, 0x03}, hdr)
}

func TestEncodeFrameDecodedByGobwas(t *testing.T) {
	for _, n := range []int{0, 1, 125, 126, 65535, 65536, MaxFrameSize} {
		payload := bytes.Repeat([]byte{'a'}, n)
		var buf bytes.Buffer
		bufs := EncodeFrame(Binary, true, payload)
		_, err := bufs.WriteTo(&buf)
		require.NoError(t, err)

		f, err := gws.ReadFrame(&buf)
		require.NoError(t, err)
		assert.True(t, f.Header.Fin)
		assert.False(t, f.Header.Masked)
		assert.Equal(t, gws.OpBinary, f.Header.OpCode)
		assert.Equal(t, int64(n), f.Header.Length)
		assert.Equal(t, n, len(f.Payload))
		assert.Equal(t, 0, buf.Len())
	}
}

func TestReadHeader(t *testing.T) {
	cases := []struct {
		data     []byte
		expected Header
	}{
		{helloFrame, Header{Fin: true, OpCode: Text, Length: 5}},
		{maskedHelloFrame, Header{Fin: true, OpCode: Text, Length: 5, Masked: true, Mask: [4]byte{0x37, 0xfa, 0x21, 0x3d}}},
		{pingFrame, Header{Fin: true, OpCode: Ping}},
		{pongFrame, Header{Fin: true, OpCode: Pong}},
		{closeFrame, Header{Fin: true, OpCode: Close, Length: 2}},
		{fragment1, Header{OpCode: Text, Length: 1}},
		{fragment2, Header{OpCode: Continuation, Length: 3}},
		{fragment3, Header{Fin: true, OpCode: Continuation, Length: 2}},
		// 127 length class with zero length is accepted
		{[]byte{0x82, 0x7f, 0, 0, 0, 0, 0, 0, 0, 0}, Header{Fin: true, OpCode: Binary}},
	}
	for i, c := range cases {
		h, err := readHeader(bytes.NewReader(c.data), MaxFrameSize)
		require.NoError(t, err, "case %d", i)
		assert.Equal(t, c.expected, h, "case %d", i)
	}
}

func TestReadHeaderErrors(t *testing.T) {
	cases := []struct {
		data []byte
		err  error
		code uint16
	}{
		{[]byte{}, io.EOF, 0},
		{[]byte{0x81}, io.ErrUnexpectedEOF, 0},
		{[]byte{0x81, 0x7e, 0x01}, io.ErrUnexpectedEOF, 0},
		{[]byte{0x81, 0x85, 0x37, 0xfa}, io.ErrUnexpectedEOF, 0},
		{[]byte{0xc1, 0x00}, ErrReservedRsv, CloseProtocolError},
		{[]byte{0x91, 0x00}, ErrReservedRsv, CloseProtocolError},
		// 16 MiB + 1
		{[]byte{0x82, 0x7f, 0, 0, 0, 0, 0x01, 0x00, 0x00, 0x01}, ErrFrameTooLarge, CloseMessageTooBig},
		{[]byte{0x82, 0x7f, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, ErrFrameTooLarge, CloseMessageTooBig},
	}
	for i, c := range cases {
		_, err := readHeader(bytes.NewReader(c.data), MaxFrameSize)
		require.ErrorIs(t, err, c.err, "case %d", i)
		assert.Equal(t, c.code, CloseCodeOf(err), "case %d", i)
	}
}

func TestReadHeaderLeavesPayloadUnread(t *testing.T) {
	data := append([]byte{0x82, 0x7f, 0, 0, 0, 0, 0x01, 0x00, 0x00, 0x01}, "payload"...)
	rd := bytes.NewReader(data)
	_, err := readHeader(rd, MaxFrameSize)
	require.ErrorIs(t, err, ErrFrameTooLarge)
	assert.Equal(t, len("payload"), rd.Len())
}

func TestMaskUnmask(t *testing.T) {
	mask := [4]byte{0x37, 0xfa, 0x21, 0x3d}
	payload := []byte("Hello")
	maskUnmask(mask, 0, payload)
	assert.Equal(t, maskedHelloFrame[6:], payload)
	maskUnmask(mask, 0, payload)
	assert.Equal(t, []byte("Hello"), payload)
}

func TestMaskUnmaskSplit(t *testing.T) {
	mask := [4]byte{1, 2, 3, 4}
	expected := []byte("the quick brown fox jumps over the lazy dog")
	masked := gws.MaskFrameWith(gws.NewTextFrame(bytes.Clone(expected)), mask).Payload

	// unmask in uneven pieces, offset keeps mask aligned
	buf := append([]byte(nil), masked...)
	pos := 0
	for _, n := range []int{1, 2, 5, 3, 7} {
		maskUnmask(mask, uint64(pos), buf[pos:pos+n])
		pos += n
	}
	maskUnmask(mask, uint64(pos), buf[pos:])
	assert.Equal(t, expected, buf)
}

func TestOpCodeString(t *testing.T) {
	assert.Equal(t, "text", Text.String())
	assert.Equal(t, "continuation", Continuation.String())
	assert.Equal(t, "opcode(3)", OpCode(3).String())
}
