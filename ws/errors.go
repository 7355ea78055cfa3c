package ws

import (
	"errors"
	"fmt"
	"io"
)

var (
	ErrReservedRsv                  = errors.New("reserved rsv bit is set")
	ErrReservedOpcode               = errors.New("reserved opcode")
	ErrFragmentedControlFrame       = errors.New("fragmented control frame")
	ErrTooBigPayloadForControlFrame = errors.New("too big payload for control frame")
	ErrFrameTooLarge                = errors.New("frame payload exceeds maximum size")
	ErrMessageTooLarge              = errors.New("message exceeds maximum size")
	ErrInvalidFragmentation         = errors.New("invalid frames fragmentation")

	// ErrPeerClosed is returned after the peer sent a close frame. The close
	// frame is already echoed, only the socket release is left.
	ErrPeerClosed = errors.New("connection closed by peer")
	// ErrTransport wraps every read or write failure on the underlying socket.
	ErrTransport = errors.New("transport failure")
)

// Close codes sent by this side.
// reference: https://www.rfc-editor.org/rfc/rfc6455#section-7.4.1
const (
	CloseGoingAway     uint16 = 1001
	CloseProtocolError uint16 = 1002
	CloseMessageTooBig uint16 = 1009
)

// ProtocolError is a peer protocol violation. Code is the close code which
// should be sent before dropping the connection.
type ProtocolError struct {
	Code uint16
	Err  error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error (close %d): %s", e.Code, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func protocolError(code uint16, err error) *ProtocolError {
	return &ProtocolError{Code: code, Err: err}
}

// CloseCodeOf returns close code which should be sent to the peer when
// connection is dropped because of err. Zero means that no close frame should
// be attempted: transport is broken or the peer already closed.
func CloseCodeOf(err error) uint16 {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return 0
}

func transportError(err error) error {
	return fmt.Errorf("%w: %w", ErrTransport, err)
}

// noEOF converts clean EOF into unexpected EOF. Used once frame parsing has
// started.
func noEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
