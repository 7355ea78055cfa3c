// Package fifo handles named pipes used as request and response channels.
package fifo

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/sys/unix"
)

var (
	ErrNotFIFO  = errors.New("not a fifo")
	ErrNoReader = errors.New("no reader on fifo")
)

// Ensure creates FIFO at path with mode 0600 when it is missing. Existing path
// must be a FIFO readable and writable by this process.
func Ensure(path string) error {
	var st unix.Stat_t
	err := unix.Stat(path, &st)
	if err == unix.ENOENT {
		if err := unix.Mkfifo(path, 0o600); err != nil {
			return &os.PathError{Op: "mkfifo", Path: path, Err: err}
		}
		return nil
	}
	if err != nil {
		return &os.PathError{Op: "stat", Path: path, Err: err}
	}
	if st.Mode&unix.S_IFMT != unix.S_IFIFO {
		return fmt.Errorf("%w: %s", ErrNotFIFO, path)
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK); err != nil {
		return &os.PathError{Op: "access", Path: path, Err: err}
	}
	return nil
}

// Reader is the read end of a FIFO in blocking mode.
type Reader struct {
	path string
	fd   int
}

// OpenReader opens path for reading. Open does not wait for a writer.
func OpenReader(path string) (*Reader, error) {
	r := &Reader{path: path, fd: -1}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Reader) open() error {
	fd, err := open(r.path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC)
	if err != nil {
		return err
	}
	if err := unix.SetNonblock(fd, false); err != nil {
		unix.Close(fd)
		return &os.PathError{Op: "fcntl", Path: r.path, Err: err}
	}
	r.fd = fd
	return nil
}

func (r *Reader) Fd() int {
	return r.fd
}

func (r *Reader) Path() string {
	return r.path
}

// Read blocks until some data is available. When all writers have closed and
// there is no more data it returns io.EOF.
func (r *Reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		n, err := unix.Read(r.fd, p)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, &os.PathError{Op: "read", Path: r.path, Err: err}
		}
		if n == 0 {
			return 0, io.EOF
		}
		return n, nil
	}
}

// Reopen discards unread data, closes and opens FIFO again. After the last
// writer closes, FIFO stays in hangup state until reopened.
func (r *Reader) Reopen() error {
	r.flush()
	err := unix.Close(r.fd)
	// descriptor is released even when close fails
	r.fd = -1
	if err != nil {
		return &os.PathError{Op: "close", Path: r.path, Err: err}
	}
	return r.open()
}

func (r *Reader) flush() {
	if err := unix.SetNonblock(r.fd, true); err != nil {
		return
	}
	var buf [4096]byte
	for {
		n, err := unix.Read(r.fd, buf[:])
		if err == unix.EINTR {
			continue
		}
		if n <= 0 || err != nil {
			return
		}
	}
}

func (r *Reader) Close() error {
	if r.fd < 0 {
		return nil
	}
	err := unix.Close(r.fd)
	r.fd = -1
	return err
}

// Writer is the write end of a FIFO in blocking mode.
type Writer struct {
	path string
	fd   int
}

// OpenWriter opens path for writing. Open fails while there is no reader on
// the FIFO, it is retried every interval until timeout runs out and then
// ErrNoReader is returned.
func OpenWriter(path string, timeout, interval time.Duration) (*Writer, error) {
	b := &backoff.Backoff{Min: interval, Max: interval, Factor: 1}
	deadline := time.Now().Add(timeout)
	for {
		fd, err := open(path, unix.O_WRONLY|unix.O_NONBLOCK|unix.O_CLOEXEC)
		if err == nil {
			if err := unix.SetNonblock(fd, false); err != nil {
				unix.Close(fd)
				return nil, &os.PathError{Op: "fcntl", Path: path, Err: err}
			}
			return &Writer{path: path, fd: fd}, nil
		}
		if !errors.Is(err, unix.ENXIO) {
			return nil, err
		}
		d := b.Duration()
		if time.Now().Add(d).After(deadline) {
			return nil, fmt.Errorf("%w: %s, %.0f attempts", ErrNoReader, path, b.Attempt())
		}
		time.Sleep(d)
	}
}

// Write writes all of p.
func (w *Writer) Write(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		m, err := unix.Write(w.fd, p[n:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return n, &os.PathError{Op: "write", Path: w.path, Err: err}
		}
		n += m
	}
	return n, nil
}

func (w *Writer) Close() error {
	return unix.Close(w.fd)
}

// Send opens FIFO for writing, writes msg and closes it.
func Send(path string, msg []byte, timeout, interval time.Duration) error {
	w, err := OpenWriter(path, timeout, interval)
	if err != nil {
		return err
	}
	_, err = w.Write(msg)
	if cerr := w.Close(); err == nil && cerr != nil {
		err = &os.PathError{Op: "close", Path: path, Err: cerr}
	}
	return err
}

func open(path string, mode int) (int, error) {
	for {
		fd, err := unix.Open(path, mode, 0)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return -1, &os.PathError{Op: "open", Path: path, Err: err}
		}
		return fd, nil
	}
}
