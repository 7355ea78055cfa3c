package ws

import (
	"bytes"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

const (
	requestLine = "GET / HTTP/1.1"
	wsMagicKey  = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"
	secKeyLen   = 24

	// MaxHandshakeSize is upper limit for the whole upgrade request.
	MaxHandshakeSize = 4096
)

// bits of the completeness mask
const (
	hdrUpgrade uint8 = 1 << iota
	hdrConnection
	hdrVersion
	hdrKey
	hdrHost

	hdrAll = hdrUpgrade | hdrConnection | hdrVersion | hdrKey | hdrHost
)

var (
	ErrIncomplete         = errors.New("incomplete upgrade request")
	ErrRequestLine        = errors.New("unsupported request line")
	ErrMalformedHeader    = errors.New("malformed header line")
	ErrUnsupportedVersion = errors.New("unsupported websocket version")
	ErrInvalidKey         = errors.New("invalid websocket key")
	ErrMissingHeaders     = errors.New("missing upgrade headers")
	ErrRequestTooLarge    = errors.New("upgrade request too large")
	// Client sent data before receiving the upgrade response.
	ErrTrailingData       = errors.New("data after upgrade request")
)

type headerField struct {
	name  string
	value string
}

// Handshake is a parsed and validated client upgrade request.
type Handshake struct {
	fields []headerField
	seen   uint8
	key    string
	host   string
}

// Header returns value of the first header with the name, compared
// case-insensitively.
func (hs *Handshake) Header(name string) (string, bool) {
	for _, f := range hs.fields {
		if strings.EqualFold(f.name, name) {
			return f.value, true
		}
	}
	return "", false
}

func (hs *Handshake) Host() string { return hs.host }
func (hs *Handshake) Key() string  { return hs.key }

// Accept returns Sec-WebSocket-Accept value for the client key.
func (hs *Handshake) Accept() string {
	return secAccept(hs.key)
}

func (hs *Handshake) Response() string {
	const crlf = "\r\n"
	return fmt.Sprintf(
		"HTTP/1.1 101 Switching Protocols"+crlf+
			"Upgrade: websocket"+crlf+
			"Connection: Upgrade"+crlf+
			"Sec-WebSocket-Accept: %s"+crlf+crlf,
		hs.Accept())
}

// ParseHandshake parses upgrade request in buf. It returns ErrIncomplete when
// buf does not yet hold the end of the header section and more bytes should
// be read. Any other error is final.
func ParseHandshake(buf []byte) (*Handshake, error) {
	hs, _, err := parseHandshake(buf)
	return hs, err
}

// parseHandshake also returns number of bytes consumed by the request.
func parseHandshake(buf []byte) (*Handshake, int, error) {
	hs := &Handshake{}
	size := len(buf)
	started := false
	for {
		i := bytes.IndexByte(buf, '\n')
		if i < 0 {
			return nil, 0, ErrIncomplete
		}
		line := bytes.TrimSuffix(buf[:i], []byte{'\r'})
		buf = buf[i+1:]

		if !started {
			if len(line) == 0 {
				continue
			}
			if string(line) != requestLine {
				return nil, 0, fmt.Errorf("%w: %q", ErrRequestLine, line)
			}
			started = true
			continue
		}
		if len(line) == 0 {
			break
		}
		if err := hs.add(line); err != nil {
			return nil, 0, err
		}
	}
	if hs.seen != hdrAll {
		return nil, 0, fmt.Errorf("%w (mask %05b)", ErrMissingHeaders, hs.seen)
	}
	return hs, size - len(buf), nil
}

func (hs *Handshake) add(line []byte) error {
	name, value, ok := bytes.Cut(line, []byte{':'})
	if !ok {
		return fmt.Errorf("%w: %q", ErrMalformedHeader, line)
	}
	f := headerField{
		name:  string(bytes.TrimSpace(name)),
		value: string(bytes.Trim(value, " \t")),
	}
	if _, dup := hs.Header(f.name); dup {
		return nil
	}
	hs.fields = append(hs.fields, f)

	switch strings.ToLower(f.name) {
	case "upgrade":
		if strings.EqualFold(f.value, "websocket") {
			hs.seen |= hdrUpgrade
		}
	case "connection":
		if hasToken(f.value, "upgrade") {
			hs.seen |= hdrConnection
		}
	case "sec-websocket-version":
		if f.value != "13" {
			return fmt.Errorf("%w: %q", ErrUnsupportedVersion, f.value)
		}
		hs.seen |= hdrVersion
	case "sec-websocket-key":
		if len(f.value) != secKeyLen {
			return fmt.Errorf("%w: %q", ErrInvalidKey, f.value)
		}
		hs.key = f.value
		hs.seen |= hdrKey
	case "host":
		hs.host = f.value
		hs.seen |= hdrHost
	}
	return nil
}

// hasToken reports whether comma separated list contains token.
func hasToken(list, token string) bool {
	for _, t := range strings.Split(list, ",") {
		if strings.EqualFold(strings.TrimSpace(t), token) {
			return true
		}
	}
	return false
}

// Generate Sec-WebSocket-Accept key header value on server from clients key.
func secAccept(key string) string {
	h := sha1.New()
	io.WriteString(h, key)
	io.WriteString(h, wsMagicKey)
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func rejectResponse(err error) string {
	const crlf = "\r\n"
	if errors.Is(err, ErrUnsupportedVersion) {
		return "HTTP/1.1 426 Upgrade Required" + crlf +
			"Sec-WebSocket-Version: 13" + crlf +
			"Connection: close" + crlf +
			"Content-Length: 0" + crlf + crlf
	}
	return "HTTP/1.1 400 Bad Request" + crlf +
		"Connection: close" + crlf +
		"Content-Length: 0" + crlf + crlf
}

type Options struct {
	// Frame payload limit of the established connection.
	MaxFrameSize int
	// Deadline for receiving the whole upgrade request. Zero disables it.
	HandshakeTimeout time.Duration
}

var DefaultOptions = Options{
	MaxFrameSize: MaxFrameSize,
}

// Negotiate reads the upgrade request from nc and answers it. On success the
// returned Conn owns nc. On error a best-effort rejection response is sent and
// the caller should close nc.
func Negotiate(nc net.Conn, opt Options) (*Conn, *Handshake, error) {
	if opt.HandshakeTimeout > 0 {
		if err := nc.SetReadDeadline(time.Now().Add(opt.HandshakeTimeout)); err != nil {
			return nil, nil, err
		}
		defer nc.SetReadDeadline(time.Time{})
	}

	buf := make([]byte, 0, 1024)
	chunk := make([]byte, 1024)
	for {
		if len(buf) >= MaxHandshakeSize {
			return nil, nil, reject(nc, ErrRequestTooLarge)
		}
		n, err := nc.Read(chunk[:min(len(chunk), MaxHandshakeSize-len(buf))])
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			hs, size, perr := parseHandshake(buf)
			if perr == nil && size < len(buf) {
				// connection reads are unbuffered, bytes already read can't
				// be handed over
				perr = fmt.Errorf("%w: %d bytes", ErrTrailingData, len(buf)-size)
			}
			if perr == nil {
				if _, err := io.WriteString(nc, hs.Response()); err != nil {
					return nil, nil, transportError(err)
				}
				return NewConn(nc, opt.MaxFrameSize), hs, nil
			}
			if !errors.Is(perr, ErrIncomplete) {
				return nil, nil, reject(nc, perr)
			}
		}
		if err != nil {
			return nil, nil, transportError(err)
		}
	}
}

func reject(nc net.Conn, err error) error {
	_, _ = io.WriteString(nc, rejectResponse(err))
	return err
}
