// Package bridge connects a single WebSocket client with a pair of FIFOs.
// Each message written to the inbound FIFO is forwarded to the client and the
// client's answer is written to the outbound FIFO.
package bridge

import (
	"time"

	"github.com/ianic/wsbridge/ws"
)

const defaultReadChunk = 4096

type Config struct {
	// TCP listen address, loopback only.
	Addr string
	// Requests are read from InPath, replies written to OutPath.
	InPath  string
	OutPath string

	MaxFrameSize   int
	MaxMessageSize int
	// Inbound FIFO is read in chunks of this size. Each chunk becomes one
	// frame.
	ReadChunk int

	// Outbound FIFO open is retried every OutOpenInterval until a reader
	// attaches or OutOpenTimeout runs out.
	OutOpenTimeout  time.Duration
	OutOpenInterval time.Duration

	// Zero disables the handshake deadline.
	HandshakeTimeout time.Duration

	// Reported to the client in the answer to the version request.
	Version string
}

var DefaultConfig = Config{
	Addr:            "127.0.0.1:30001",
	InPath:          "/tmp/croutonwebsocket-in",
	OutPath:         "/tmp/croutonwebsocket-out",
	MaxFrameSize:    ws.MaxFrameSize,
	MaxMessageSize:  ws.MaxFrameSize,
	ReadChunk:       defaultReadChunk,
	OutOpenTimeout:  3 * time.Second,
	OutOpenInterval: 10 * time.Millisecond,
	Version:         "0",
}

func (c Config) wsOptions() ws.Options {
	return ws.Options{
		MaxFrameSize:     c.MaxFrameSize,
		HandshakeTimeout: c.HandshakeTimeout,
	}
}
