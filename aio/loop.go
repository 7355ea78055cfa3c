package aio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"syscall"

	"github.com/pawelgaczynski/giouring"
	"golang.org/x/sys/unix"
)

const (
	readyEvents = unix.POLLIN | unix.POLLHUP | unix.POLLERR

	batchSize = 128
	// user data of poll remove operations, polls use index + 1
	removeUserData = math.MaxUint64
)

// LevelTrace is log level below debug, used for per iteration events.
const LevelTrace = slog.LevelDebug - 4

var ErrInvalidFd = errors.New("invalid descriptor in poll set")

// Handler is called when slot descriptor is readable. Returned error is fatal
// for the loop.
type Handler = func() error

type slot struct {
	fd      func() int
	handler Handler
}

// Loop is readiness based event loop over fixed set of slots. Each slot is
// polled for readability and dispatched in slot order. Loop is single
// threaded, handlers run on the goroutine which called Run or RunOnce.
//
// Readiness is awaited with io_uring poll operations. When the ring can't be
// created (old kernel, io_uring disabled by seccomp) or Options.Poll is set,
// loop waits in poll(2).
type Loop struct {
	ring    *giouring.Ring
	slots   []slot
	pollFds []unix.PollFd
	index   []int // slot index of each pollFds entry after the wake pipe
	wake    [2]int

	// state of the single ring wait
	armed    []bool // poll submitted and not yet completed
	inflight int
	removing int
	ringErr  error
}

type Options struct {
	RingEntries uint32
	// Use poll(2) instead of io_uring.
	Poll bool
}

var DefaultOptions = Options{
	RingEntries: 64,
}

func New(opt Options) (*Loop, error) {
	l := &Loop{}
	if err := unix.Pipe2(l.wake[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("wake pipe: %w", err)
	}
	if opt.Poll {
		return l, nil
	}
	ring, err := giouring.CreateRing(opt.RingEntries)
	if err != nil {
		slog.Debug("io_uring not available, using poll", "err", err)
		return l, nil
	}
	l.ring = ring
	return l, nil
}

// Ring reports whether readiness is awaited through io_uring.
func (l *Loop) Ring() bool {
	return l.ring != nil
}

// Register sets handler for the slot. fd is asked for the descriptor before
// each poll, returning -1 disables slot for that iteration.
func (l *Loop) Register(n int, fd func() int, handler Handler) {
	for len(l.slots) <= n {
		l.slots = append(l.slots, slot{})
	}
	l.slots[n] = slot{fd: fd, handler: handler}
}

// RunOnce waits for readiness of any registered slot or for the Wake call and
// dispatches ready slots.
//
// Handler may consume data of the slot which comes after it or replace its
// descriptor. So the later slot is skipped when its descriptor changed since
// the poll, and its readiness is checked again when any handler already run
// in this iteration.
func (l *Loop) RunOnce() error {
	l.pollFds = append(l.pollFds[:0], unix.PollFd{Fd: int32(l.wake[0]), Events: unix.POLLIN})
	l.index = l.index[:0]
	for i, s := range l.slots {
		if s.handler == nil {
			continue
		}
		fd := s.fd()
		if fd < 0 {
			continue
		}
		l.pollFds = append(l.pollFds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
		l.index = append(l.index, i)
	}

	if err := l.wait(l.pollFds); err != nil {
		return fmt.Errorf("poll: %w", err)
	}
	if l.pollFds[0].Revents != 0 {
		l.drainWake()
	}

	dispatched := false
	for j, i := range l.index {
		pfd := l.pollFds[j+1]
		if pfd.Revents&unix.POLLNVAL != 0 {
			return fmt.Errorf("%w: slot %d fd %d", ErrInvalidFd, i, pfd.Fd)
		}
		if pfd.Revents&readyEvents == 0 {
			continue
		}
		s := l.slots[i]
		fd := s.fd()
		if fd != int(pfd.Fd) {
			slog.Log(context.Background(), LevelTrace, "loop skip replaced descriptor", "slot", i, "fd", pfd.Fd)
			continue
		}
		if dispatched {
			ready, err := readable(fd)
			if err != nil {
				return fmt.Errorf("slot %d: %w", i, err)
			}
			if !ready {
				slog.Log(context.Background(), LevelTrace, "loop skip stale readiness", "slot", i, "fd", fd)
				continue
			}
		}
		dispatched = true
		if err := s.handler(); err != nil {
			return err
		}
	}
	return nil
}

// Run until ctx is done or a handler fails. Context is checked between
// iterations, handler in progress is never interrupted.
func (l *Loop) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		if err := l.Wake(); err != nil {
			slog.Warn("loop wake", "err", err)
		}
	})
	defer stop()
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := l.RunOnce(); err != nil {
			return err
		}
	}
}

// Wake interrupts the poll wait. Safe to call from any goroutine.
func (l *Loop) Wake() error {
	_, err := unix.Write(l.wake[1], []byte{1})
	if err == unix.EAGAIN {
		// pipe is full, loop will wake anyway
		return nil
	}
	return err
}

func (l *Loop) drainWake() {
	var buf [64]byte
	for {
		n, err := unix.Read(l.wake[0], buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (l *Loop) Close() {
	if l.ring != nil {
		l.ring.QueueExit()
		l.ring = nil
	}
	unix.Close(l.wake[0])
	unix.Close(l.wake[1])
}

// wait blocks until at least one of fds is ready and fills Revents as
// poll(2) does.
func (l *Loop) wait(fds []unix.PollFd) error {
	if l.ring == nil {
		return poll(fds, -1)
	}
	return l.ringPoll(fds)
}

// ringPoll submits one shot poll for each descriptor and waits for the first
// completion. Polls still armed after that are removed, and their completions
// collected, so nothing stays in flight between iterations. Handler may close
// or replace any of the descriptors.
func (l *Loop) ringPoll(fds []unix.PollFd) error {
	l.armed = l.armed[:0]
	l.inflight, l.removing, l.ringErr = 0, 0, nil
	for i := range fds {
		fds[i].Revents = 0
		sqe, err := l.getSQE()
		if err != nil {
			return err
		}
		sqe.PreparePollAdd(int(fds[i].Fd), uint32(uint16(fds[i].Events)))
		sqe.UserData = uint64(i + 1)
		l.armed = append(l.armed, true)
		l.inflight++
	}

	removed := false
	for {
		if err := l.submitAndWait(1); err != nil {
			return err
		}
		l.flushCompletions(fds)
		if l.inflight == 0 && l.removing == 0 {
			return l.ringErr
		}
		if !removed {
			for i, armed := range l.armed {
				if !armed {
					continue
				}
				sqe, err := l.getSQE()
				if err != nil {
					return err
				}
				sqe.PreparePollRemove(uint64(i + 1))
				sqe.UserData = removeUserData
				l.removing++
			}
			removed = true
		}
	}
}

func (l *Loop) flushCompletions(fds []unix.PollFd) {
	var cqes [batchSize]*giouring.CompletionQueueEvent
	for {
		peeked := l.ring.PeekBatchCQE(cqes[:])
		for _, cqe := range cqes[:peeked] {
			l.complete(fds, cqe)
		}
		l.ring.CQAdvance(peeked)
		if peeked < uint32(len(cqes)) {
			return
		}
	}
}

func (l *Loop) complete(fds []unix.PollFd, cqe *giouring.CompletionQueueEvent) {
	if cqe.UserData == removeUserData {
		l.removing--
		return
	}
	if cqe.UserData == 0 || cqe.UserData > uint64(len(l.armed)) {
		slog.Debug("cqe without poll", "userdata", cqe.UserData, "res", cqe.Res)
		return
	}
	i := cqe.UserData - 1
	if !l.armed[i] {
		return
	}
	l.armed[i] = false
	l.inflight--

	switch errno := cqeErrno(cqe); errno {
	case 0:
		fds[i].Revents = int16(cqe.Res)
	case unix.ECANCELED:
		// removed before it became ready
	case unix.EBADF:
		fds[i].Revents = unix.POLLNVAL
	default:
		if l.ringErr == nil {
			l.ringErr = fmt.Errorf("fd %d: %w", fds[i].Fd, errno)
		}
	}
}

// Retries on temporary errors.
// Errors that can be returned by [io_uring_enter].
//
// [io_uring_enter]: https://manpages.debian.org/unstable/liburing-dev/io_uring_enter.2.en.html#ERRORS
func (l *Loop) submitAndWait(waitNr uint32) error {
	for {
		_, err := l.ring.SubmitAndWait(waitNr)
		if err != nil && TemporaryErr(err) {
			continue
		}
		return err
	}
}

func (l *Loop) getSQE() (*giouring.SubmissionQueueEntry, error) {
	for {
		sqe := l.ring.GetSQE()
		if sqe == nil {
			if err := l.submitAndWait(0); err != nil {
				return nil, err
			}
			continue
		}
		return sqe, nil
	}
}

func cqeErrno(c *giouring.CompletionQueueEvent) syscall.Errno {
	if c.Res > -4096 && c.Res < 0 {
		return syscall.Errno(-c.Res)
	}
	return 0
}

// readable polls single descriptor without waiting.
func readable(fd int) (bool, error) {
	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	if err := poll(pfd, 0); err != nil {
		return false, fmt.Errorf("poll: %w", err)
	}
	if pfd[0].Revents&unix.POLLNVAL != 0 {
		return false, fmt.Errorf("%w: fd %d", ErrInvalidFd, fd)
	}
	return pfd[0].Revents&readyEvents != 0, nil
}

// poll retries on temporary errors. Go runtime preemption signals interrupt
// the syscall with EINTR.
func poll(fds []unix.PollFd, timeout int) error {
	for {
		_, err := unix.Poll(fds, timeout)
		if err != nil && TemporaryErr(err) {
			continue
		}
		return err
	}
}

// is this error temporary
func TemporaryErr(err error) bool {
	if errno, ok := err.(syscall.Errno); ok {
		return TemporaryErrno(errno)
	}
	if os.IsTimeout(err) {
		return true
	}
	return false
}

func TemporaryErrno(errno syscall.Errno) bool {
	return errno.Temporary() || errno == unix.ETIME || errno == syscall.ENOBUFS
}
