package bridge

import (
	"context"
	"errors"
	"log/slog"
	"net"

	"github.com/ianic/wsbridge/aio"
	"github.com/ianic/wsbridge/fifo"
	"github.com/ianic/wsbridge/ws"
)

// loop slots, dispatched in this order
const (
	slotListener = iota
	slotInbound
	slotClient
)

// Server owns the listener, the inbound FIFO and the event loop which drives
// the connection manager and the bridge.
type Server struct {
	cfg Config
	log *slog.Logger

	ln     *net.TCPListener
	lnFd   int
	in     *fifo.Reader
	loop   *aio.Loop
	mgr    *Manager
	bridge *Bridge
	closed bool
}

// New prepares FIFOs, starts listening and sets up the event loop.
func New(cfg Config, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{cfg: cfg, log: log, lnFd: -1}
	if err := s.init(); err != nil {
		s.release()
		return nil, err
	}
	s.mgr = NewManager(log, cfg.Version, cfg.MaxMessageSize)
	s.bridge = NewBridge(cfg, log, s.in, s.mgr)

	s.loop.Register(slotListener, func() int { return s.lnFd }, s.onAccept)
	s.loop.Register(slotInbound, s.in.Fd, s.bridge.OnInbound)
	s.loop.Register(slotClient, s.mgr.Fd, s.mgr.OnReadable)
	return s, nil
}

func (s *Server) init() error {
	var err error
	if err = fifo.Ensure(s.cfg.InPath); err != nil {
		return err
	}
	if err = fifo.Ensure(s.cfg.OutPath); err != nil {
		return err
	}
	if s.ln, err = aio.Listen(context.Background(), s.cfg.Addr); err != nil {
		return err
	}
	if s.lnFd, err = aio.Fd(s.ln); err != nil {
		return err
	}
	if s.in, err = fifo.OpenReader(s.cfg.InPath); err != nil {
		return err
	}
	if s.loop, err = aio.New(aio.DefaultOptions); err != nil {
		return err
	}
	return nil
}

func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Run the event loop until ctx is done or a fatal error happens. Server is
// closed on return.
func (s *Server) Run(ctx context.Context) error {
	s.log.Info("server started",
		"addr", s.Addr().String(),
		"in", s.cfg.InPath,
		"out", s.cfg.OutPath)
	err := s.loop.Run(ctx)
	s.Close()
	if err != nil {
		s.log.Error("server stopped", "err", err)
		return err
	}
	s.log.Info("server stopped", "cause", context.Cause(ctx))
	return nil
}

func (s *Server) onAccept() error {
	nc, err := s.ln.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return err
		}
		s.log.Warn("accept", "err", err)
		return nil
	}
	conn, hs, err := ws.Negotiate(nc, s.cfg.wsOptions())
	if err != nil {
		s.log.Warn("handshake failed", "remote", nc.RemoteAddr(), "err", err)
		nc.Close()
		return nil
	}
	s.log.Debug("handshake", "remote", nc.RemoteAddr(), "host", hs.Host())
	if err := s.mgr.Accept(conn); err != nil {
		s.log.Warn("install connection", "remote", nc.RemoteAddr(), "err", err)
		conn.Close(ws.CloseGoingAway)
	}
	return nil
}

// Close sends going away to the active client and releases all resources.
func (s *Server) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.mgr.Close(ws.CloseGoingAway)
	s.release()
}

func (s *Server) release() {
	if s.ln != nil {
		s.ln.Close()
	}
	if s.in != nil {
		s.in.Close()
	}
	if s.loop != nil {
		s.loop.Close()
	}
}
