package aio

import (
	"errors"
	"syscall"
)

var ErrNoFd = errors.New("descriptor not available")

// Fd returns descriptor number of the connection or listener. Descriptor
// stays owned by c, it must not be closed or switched to blocking mode by the
// caller.
func Fd(c syscall.Conn) (int, error) {
	rc, err := c.SyscallConn()
	if err != nil {
		return -1, err
	}
	fd := -1
	if err := rc.Control(func(s uintptr) {
		fd = int(s)
	}); err != nil {
		return -1, err
	}
	if fd < 0 {
		return -1, ErrNoFd
	}
	return fd, nil
}
