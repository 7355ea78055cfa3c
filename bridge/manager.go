package bridge

import (
	"errors"
	"fmt"
	"log/slog"
	"syscall"

	"github.com/ianic/wsbridge/aio"
	"github.com/ianic/wsbridge/ws"
	"github.com/jpillora/sizestr"
)

// version request sent by the client
const versionRequest = "V"

// Manager holds at most one active client connection.
type Manager struct {
	log        *slog.Logger
	version    string
	maxMessage int

	conn *ws.Conn
	fd   int
}

func NewManager(log *slog.Logger, version string, maxMessage int) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{log: log, version: version, maxMessage: maxMessage, fd: -1}
}

// Accept installs conn as the active connection. Previous connection is
// closed with going away code.
func (m *Manager) Accept(conn *ws.Conn) error {
	sc, ok := conn.NetConn().(syscall.Conn)
	if !ok {
		return fmt.Errorf("connection %T has no descriptor", conn.NetConn())
	}
	fd, err := aio.Fd(sc)
	if err != nil {
		return fmt.Errorf("connection descriptor: %w", err)
	}
	if m.conn != nil {
		m.log.Info("evicting client", "remote", m.conn.RemoteAddr())
		m.Close(ws.CloseGoingAway)
	}
	m.conn = conn
	m.fd = fd
	m.log.Info("client installed", "remote", conn.RemoteAddr(), "fd", fd)
	return nil
}

// Active returns current connection or nil.
func (m *Manager) Active() *ws.Conn {
	return m.conn
}

// Fd of the active connection, -1 when there is none.
func (m *Manager) Fd() int {
	if m.conn == nil {
		return -1
	}
	return m.fd
}

// OnReadable handles message sent by the client outside of the request
// cycle. Only the version request is answered, everything else is ignored.
func (m *Manager) OnReadable() error {
	if m.conn == nil {
		return nil
	}
	opcode, msg, err := m.conn.ReadMessage(m.maxMessage)
	if err != nil {
		m.Drop(err)
		return nil
	}
	if string(msg) == versionRequest {
		m.log.Debug("version request", "version", m.version)
		if err := m.conn.WriteFrame(ws.Text, true, []byte(versionRequest+m.version)); err != nil {
			m.Drop(err)
		}
		return nil
	}
	m.log.Warn("unsolicited message ignored", "opcode", opcode, "size", sizestr.ToString(int64(len(msg))))
	return nil
}

// Drop closes active connection after err. Close frame is sent only for
// protocol violations.
func (m *Manager) Drop(err error) {
	if m.conn == nil {
		return
	}
	code := ws.CloseCodeOf(err)
	if errors.Is(err, ws.ErrPeerClosed) {
		m.log.Info("client closed", "remote", m.conn.RemoteAddr())
	} else {
		m.log.Warn("dropping client", "remote", m.conn.RemoteAddr(), "code", code, "err", err)
	}
	m.Close(code)
}

// Close sends close frame with code, when not zero, and releases the
// connection.
func (m *Manager) Close(code uint16) {
	if m.conn == nil {
		return
	}
	if err := m.conn.Close(code); err != nil {
		m.log.Debug("connection close", "err", err)
	}
	m.conn = nil
	m.fd = -1
}
