package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/ianic/wsbridge/aio"
	"github.com/ianic/wsbridge/fifo"
	"github.com/ianic/wsbridge/ws"
	"github.com/jpillora/sizestr"
)

// Error reports written to the outbound FIFO instead of the reply.
const (
	reportNotConnected = "EError: not connected\n"
	reportSocketWrite  = "EError: socket write error\n"
	reportSocketRead   = "EError: socket read error\n"
	reportTooLarge     = "EError: message too large\n"
	reportPipeRead     = "EError: pipe read error\n"
)

var (
	ErrNotConnected    = errors.New("no client connected")
	ErrMessageTooLarge = errors.New("inbound message too large")
	// ErrReopen is returned when inbound FIFO can't be opened again. The
	// bridge can't continue.
	ErrReopen = errors.New("inbound reopen failed")
)

type state int

const (
	stateIdle state = iota
	stateReadingInbound
	stateAwaitingReply
	stateWritingOutbound
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateReadingInbound:
		return "reading inbound"
	case stateAwaitingReply:
		return "awaiting reply"
	case stateWritingOutbound:
		return "writing outbound"
	}
	return "unknown"
}

// cycle is the state of a single request/response exchange.
type cycle struct {
	id     uint64
	state  state
	in     bytes.Buffer
	framed int // bytes of in already sent to the client
	frames int
	reply  []byte

	eof        bool // inbound read until end of data
	readFailed bool
	reopened   bool
}

// pending returns inbound bytes not yet sent to the client.
func (c *cycle) pending() []byte {
	return c.in.Bytes()[c.framed:]
}

// Bridge forwards messages from the inbound FIFO to the active client and
// client replies to the outbound FIFO. Only one cycle runs at the time,
// requests which arrive in the meantime wait in the FIFO.
type Bridge struct {
	log *slog.Logger
	in  *fifo.Reader
	mgr *Manager

	outPath         string
	outOpenTimeout  time.Duration
	outOpenInterval time.Duration
	maxMessage      int

	chunk  []byte
	cycles uint64
}

func NewBridge(cfg Config, log *slog.Logger, in *fifo.Reader, mgr *Manager) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	if cfg.ReadChunk <= 0 {
		cfg.ReadChunk = defaultReadChunk
	}
	return &Bridge{
		log:             log,
		in:              in,
		mgr:             mgr,
		outPath:         cfg.OutPath,
		outOpenTimeout:  cfg.OutOpenTimeout,
		outOpenInterval: cfg.OutOpenInterval,
		maxMessage:      cfg.MaxMessageSize,
		chunk:           make([]byte, cfg.ReadChunk),
	}
}

// OnInbound runs one cycle when inbound FIFO is readable. Inbound FIFO is
// reopened before anything is written to the outbound. Failures of the cycle
// are reported on the outbound FIFO, only failed reopen is returned.
func (b *Bridge) OnInbound() error {
	b.cycles++
	c := &cycle{id: b.cycles}
	log := b.log.With("cycle", c.id)

	report, err := b.run(c)
	if errors.Is(err, ErrReopen) {
		return err
	}
	if err := b.reopen(c); err != nil {
		return err
	}
	b.setState(c, stateIdle)
	if err != nil {
		log.Warn("cycle failed", "err", err, "report", report)
		b.deliver(log, []byte(report))
		return nil
	}

	log.Debug("cycle done",
		"request", sizestr.ToString(int64(c.in.Len())),
		"frames", c.frames,
		"reply", sizestr.ToString(int64(len(c.reply))))
	b.setState(c, stateWritingOutbound)
	b.deliver(log, c.reply)
	b.setState(c, stateIdle)
	return nil
}

func (b *Bridge) run(c *cycle) (string, error) {
	conn := b.mgr.Active()
	if conn == nil {
		return reportNotConnected, ErrNotConnected
	}

	b.setState(c, stateReadingInbound)
	for {
		n, err := b.in.Read(b.chunk)
		if err == io.EOF {
			c.eof = true
			break
		}
		if err != nil {
			c.readFailed = true
			return reportPipeRead, fmt.Errorf("read inbound: %w", err)
		}
		if c.in.Len()+n > b.maxMessage {
			if c.frames > 0 {
				// client holds unfinished message
				b.mgr.Close(ws.CloseMessageTooBig)
			}
			return reportTooLarge, fmt.Errorf("%w: above %s", ErrMessageTooLarge, sizestr.ToString(int64(b.maxMessage)))
		}
		if err := b.sendPending(conn, c, false); err != nil {
			b.mgr.Drop(err)
			return reportSocketWrite, err
		}
		c.in.Write(b.chunk[:n])
	}

	if err := b.reopen(c); err != nil {
		return "", err
	}
	if err := b.sendPending(conn, c, true); err != nil {
		b.mgr.Drop(err)
		return reportSocketWrite, err
	}

	b.setState(c, stateAwaitingReply)
	_, reply, err := conn.ReadMessage(b.maxMessage)
	if err != nil {
		b.mgr.Drop(err)
		return reportSocketRead, err
	}
	c.reply = reply
	return "", nil
}

// sendPending sends inbound bytes not yet framed. First frame of the message
// is text, all others are continuation. Final frame is sent even when empty
// so zero length message is a single empty text frame.
func (b *Bridge) sendPending(conn *ws.Conn, c *cycle, fin bool) error {
	p := c.pending()
	if len(p) == 0 && !fin {
		return nil
	}
	opcode := ws.Continuation
	if c.frames == 0 {
		opcode = ws.Text
	}
	if err := conn.WriteFrame(opcode, fin, p); err != nil {
		return err
	}
	c.framed += len(p)
	c.frames++
	return nil
}

// reopen is done once per cycle. Unread inbound data is discarded, when the
// cycle ended before the end of data it is first read until the writer
// closes.
func (b *Bridge) reopen(c *cycle) error {
	if c.reopened {
		return nil
	}
	c.reopened = true
	if !c.eof && !c.readFailed {
		b.discard()
	}
	if err := b.in.Reopen(); err != nil {
		return fmt.Errorf("%w: %w", ErrReopen, err)
	}
	return nil
}

func (b *Bridge) discard() {
	n, err := io.CopyBuffer(io.Discard, b.in, b.chunk)
	if err != nil {
		b.log.Warn("inbound discard", "err", err)
	}
	if n > 0 {
		b.log.Debug("inbound discarded", "size", sizestr.ToString(n))
	}
}

// deliver writes msg to the outbound FIFO. Reply is abandoned when no reader
// shows up in time.
func (b *Bridge) deliver(log *slog.Logger, msg []byte) {
	err := fifo.Send(b.outPath, msg, b.outOpenTimeout, b.outOpenInterval)
	if err == nil {
		return
	}
	if errors.Is(err, fifo.ErrNoReader) {
		log.Warn("outbound abandoned", "size", sizestr.ToString(int64(len(msg))), "err", err)
		return
	}
	log.Error("outbound write", "err", err)
}

func (b *Bridge) setState(c *cycle, s state) {
	if c.state != s {
		b.log.Log(context.Background(), aio.LevelTrace, "cycle state", "cycle", c.id, "from", c.state, "to", s)
	}
	c.state = s
}
