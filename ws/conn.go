package ws

import (
	"encoding/binary"
	"io"
	"net"
	"slices"
)

var closeReason = []byte("wsbridge error\n")

// Conn is the server side of an established WebSocket connection.
//
// Reads go directly to the socket, there is no read-ahead buffer. The event
// loop polls the socket descriptor so any bytes buffered in user space would
// be invisible to it.
type Conn struct {
	nc    net.Conn
	limit uint64 // max frame payload length
}

func NewConn(nc net.Conn, maxFrameSize int) *Conn {
	if maxFrameSize <= 0 {
		maxFrameSize = MaxFrameSize
	}
	return &Conn{nc: nc, limit: uint64(maxFrameSize)}
}

func (c *Conn) NetConn() net.Conn {
	return c.nc
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}

// WriteFrame writes single unmasked frame. Partial writes are retried until
// the whole frame is sent. Any error is a transport failure, the caller should
// drop the connection.
func (c *Conn) WriteFrame(opcode OpCode, fin bool, payload []byte) error {
	buffers := EncodeFrame(opcode, fin, payload)
	if _, err := buffers.WriteTo(c.nc); err != nil {
		return transportError(err)
	}
	return nil
}

// ReadHeader returns header of the next data frame (text, binary or
// continuation). Control frames received before it are consumed here: ping is
// answered with pong, pong is discarded and close is echoed back and reported
// as ErrPeerClosed.
func (c *Conn) ReadHeader() (Header, error) {
	for {
		h, err := readHeader(c.nc, c.limit)
		if err != nil {
			if _, ok := err.(*ProtocolError); ok {
				return Header{}, err
			}
			return Header{}, transportError(err)
		}
		if h.OpCode.isData() {
			return h, nil
		}
		if err := c.handleControl(h); err != nil {
			return Header{}, err
		}
	}
}

func (c *Conn) handleControl(h Header) error {
	if !h.OpCode.isControl() {
		return protocolError(CloseProtocolError, ErrReservedOpcode)
	}
	if !h.Fin {
		return protocolError(CloseProtocolError, ErrFragmentedControlFrame)
	}
	if h.Length > maxControlPayload {
		return protocolError(CloseProtocolError, ErrTooBigPayloadForControlFrame)
	}
	payload := make([]byte, h.Length)
	if _, err := c.ReadPayload(&h, payload); err != nil {
		return err
	}
	switch h.OpCode {
	case Ping:
		return c.WriteFrame(Pong, true, payload)
	case Pong:
		// nothing to do on pong
		return nil
	default:
		_ = c.WriteFrame(Close, true, payload)
		return ErrPeerClosed
	}
}

// ReadPayload reads min(len(p), h.Remaining()) payload bytes of the frame
// described by h into p and unmasks them. It may be called repeatedly for the
// same header, h keeps the mask position between calls.
func (c *Conn) ReadPayload(h *Header, p []byte) (int, error) {
	if rem := h.Remaining(); uint64(len(p)) > rem {
		p = p[:rem]
	}
	if len(p) == 0 {
		return 0, nil
	}
	if _, err := io.ReadFull(c.nc, p); err != nil {
		return 0, transportError(noEOF(err))
	}
	if h.Masked {
		maskUnmask(h.Mask, h.read, p)
	}
	h.read += uint64(len(p))
	return len(p), nil
}

// ReadMessage reads frames until the one with fin bit set and returns
// concatenated payload. Opcode is the one of the first frame. Message larger
// than limit is a protocol error with close code 1009.
func (c *Conn) ReadMessage(limit int) (OpCode, []byte, error) {
	var opcode OpCode
	var payload []byte
	first := true
	for {
		h, err := c.ReadHeader()
		if err != nil {
			return 0, nil, err
		}
		// first frame starts a message, all others continue it
		if first == (h.OpCode == Continuation) {
			return 0, nil, protocolError(CloseProtocolError, ErrInvalidFragmentation)
		}
		if uint64(len(payload))+h.Length > uint64(limit) {
			return 0, nil, protocolError(CloseMessageTooBig, ErrMessageTooLarge)
		}
		if first {
			opcode = h.OpCode
			first = false
		}

		n := len(payload)
		payload = slices.Grow(payload, int(h.Length))[:n+int(h.Length)]
		if _, err := c.ReadPayload(&h, payload[n:]); err != nil {
			return 0, nil, err
		}
		if h.Fin {
			return opcode, payload, nil
		}
	}
}

// Close sends close frame with code and fixed diagnostic reason, ignoring
// write errors, and then closes the socket. Zero code skips the close frame.
func (c *Conn) Close(code uint16) error {
	if code != 0 {
		payload := binary.BigEndian.AppendUint16(make([]byte, 0, 2+len(closeReason)), code)
		payload = append(payload, closeReason...)
		_ = c.WriteFrame(Close, true, payload)
	}
	return c.nc.Close()
}
