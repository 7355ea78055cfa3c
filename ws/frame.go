// WebSocket Protocol Frame
// reference: https://www.rfc-editor.org/rfc/rfc6455#section-5
//
//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-------+-+-------------+-------------------------------+
//	|F|R|R|R| opcode|M| Payload len |    Extended payload length    |
//	|I|S|S|S|  (4)  |A|     (7)     |             (16/64)           |
//	|N|V|V|V|       |S|             |   (if payload len==126/127)   |
//	| |1|2|3|       |K|             |                               |
//	+-+-+-+-+-------+-+-------------+ - - - - - - - - - - - - - - - +
//	|     Extended payload length continued, if payload len == 127  |
//	+ - - - - - - - - - - - - - - - +-------------------------------+
//	|                               |Masking-key, if MASK set to 1  |
//	+-------------------------------+-------------------------------+
//	| Masking-key (continued)       |          Payload Data         |
//	+-------------------------------- - - - - - - - - - - - - - - - +
//	:                     Payload Data continued ...                :
//	+ - - - - - - - - - - - - - - - - - - - - - - - - - - - - - - - +
//	|                     Payload Data continued ...                |
//	+---------------------------------------------------------------+
package ws

import (
	"encoding/binary"
	"io"
	"net"
	"strconv"
)

type OpCode byte

const (
	Continuation OpCode = 0
	Text         OpCode = 1
	Binary       OpCode = 2
	Close        OpCode = 8
	Ping         OpCode = 9
	Pong         OpCode = 0xa
)

func (o OpCode) isData() bool {
	return o <= Binary
}

func (o OpCode) isControl() bool {
	return o == Close || o == Ping || o == Pong
}

func (o OpCode) String() string {
	switch o {
	case Continuation:
		return "continuation"
	case Text:
		return "text"
	case Binary:
		return "binary"
	case Close:
		return "close"
	case Ping:
		return "ping"
	case Pong:
		return "pong"
	}
	return "opcode(" + strconv.Itoa(int(o)) + ")"
}

const (
	finMask    byte = 0b1000_0000
	rsvMask    byte = 0b0111_0000
	opcodeMask byte = 0b0000_1111
	maskMask   byte = 0b1000_0000
	lenMask    byte = 0b0111_1111

	maxControlPayload = 125
	maxHeaderLen      = 2 + 8 + 4

	// MaxFrameSize is the default limit for a single frame payload and for a
	// reassembled message.
	MaxFrameSize = 16 * 1024 * 1024
)

// Header of the received frame.
type Header struct {
	Fin    bool
	OpCode OpCode
	Masked bool
	Mask   [4]byte
	Length uint64

	read uint64 // payload bytes already consumed, keeps mask position
}

// Remaining number of payload bytes not yet read.
func (h Header) Remaining() uint64 {
	return h.Length - h.read
}

// appendHeader encodes unmasked frame header for the payload of n bytes.
// Length class is always the shortest one.
func appendHeader(dst []byte, opcode OpCode, fin bool, n int) []byte {
	b0 := byte(opcode) & opcodeMask
	if fin {
		b0 |= finMask
	}
	switch {
	case n <= 125:
		return append(dst, b0, byte(n))
	case n <= 0xffff:
		dst = append(dst, b0, 126)
		return binary.BigEndian.AppendUint16(dst, uint16(n))
	default:
		dst = append(dst, b0, 127)
		return binary.BigEndian.AppendUint64(dst, uint64(n))
	}
}

// EncodeFrame returns header and payload ready for writev.
func EncodeFrame(opcode OpCode, fin bool, payload []byte) net.Buffers {
	header := appendHeader(make([]byte, 0, maxHeaderLen), opcode, fin, len(payload))
	return net.Buffers{header, payload}
}

// readHeader decodes frame header from rd. Payload is not touched.
//
// Returns:
//   - io.EOF - when there are no more bytes before the frame start
//   - io.ErrUnexpectedEOF - when EOF happens in the middle of the header
//   - *ProtocolError - rsv bits set or length above limit
func readHeader(rd io.Reader, limit uint64) (Header, error) {
	var buf [8]byte
	if _, err := io.ReadFull(rd, buf[:2]); err != nil {
		return Header{}, err
	}
	if buf[0]&rsvMask != 0 {
		return Header{}, protocolError(CloseProtocolError, ErrReservedRsv)
	}
	h := Header{
		Fin:    buf[0]&finMask != 0,
		OpCode: OpCode(buf[0] & opcodeMask),
		Masked: buf[1]&maskMask != 0,
		Length: uint64(buf[1] & lenMask),
	}

	switch h.Length {
	case 126:
		if _, err := io.ReadFull(rd, buf[:2]); err != nil {
			return Header{}, noEOF(err)
		}
		h.Length = uint64(binary.BigEndian.Uint16(buf[:2]))
	case 127:
		if _, err := io.ReadFull(rd, buf[:8]); err != nil {
			return Header{}, noEOF(err)
		}
		h.Length = binary.BigEndian.Uint64(buf[:8])
	}

	if h.Masked {
		if _, err := io.ReadFull(rd, h.Mask[:]); err != nil {
			return Header{}, noEOF(err)
		}
	}

	if h.Length > limit {
		return Header{}, protocolError(CloseMessageTooBig, ErrFrameTooLarge)
	}
	return h, nil
}

// maskUnmask xors buf with the mask key. pos is the offset of buf[0] in the
// frame payload.
func maskUnmask(mask [4]byte, pos uint64, buf []byte) {
	for i := range buf {
		buf[i] ^= mask[(pos+uint64(i))&3]
	}
}
