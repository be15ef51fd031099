//go:build unix

// Package fdsock implements transport.Socket on a non-blocking file
// descriptor. Sockets expose Fd so an event loop poller can watch them.
package fdsock

import (
	"evtransport/transport"
	"os"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

type Socket struct {
	fd     int
	closed atomic.Bool
}

var _ transport.Socket = (*Socket)(nil)

// New takes ownership of fd and switches it to non-blocking mode.
func New(fd int) (*Socket, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, errors.Wrap(err, "setting non-blocking mode")
	}
	return &Socket{fd: fd}, nil
}

// FromFile duplicates the descriptor of f. f stays owned by the caller and
// may be closed right away.
func FromFile(f *os.File) (*Socket, error) {
	fd, err := unix.Dup(int(f.Fd()))
	if err != nil {
		return nil, errors.Wrap(err, "duplicating descriptor")
	}
	unix.CloseOnExec(fd)

	s, err := New(fd)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return s, nil
}

// Pair returns two connected stream sockets.
func Pair() (s1, s2 *Socket, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, errors.Wrap(err, "creating socket pair")
	}
	unix.CloseOnExec(fds[0])
	unix.CloseOnExec(fds[1])

	if s1, err = New(fds[0]); err != nil {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
		return nil, nil, err
	}
	if s2, err = New(fds[1]); err != nil {
		_ = s1.Close()
		_ = unix.Close(fds[1])
		return nil, nil, err
	}
	return s1, s2, nil
}

func (s *Socket) Fd() int { return s.fd }

// SetSendBuffer sets the kernel send buffer size (SO_SNDBUF).
func (s *Socket) SetSendBuffer(bytes int) error {
	return errors.Wrap(unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_SNDBUF, bytes), "setting send buffer")
}

// SetReceiveBuffer sets the kernel receive buffer size (SO_RCVBUF).
func (s *Socket) SetReceiveBuffer(bytes int) error {
	return errors.Wrap(unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_RCVBUF, bytes), "setting receive buffer")
}

func (s *Socket) Receive(p []byte) (int, error) {
	if s.closed.Load() {
		return 0, transport.ErrSocketClosed
	}

	for {
		n, err := unix.Read(s.fd, p)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, transport.ErrWouldBlock
		case err != nil:
			return 0, errors.Wrap(err, "receiving")
		}
		return n, nil
	}
}

// Send writes without blocking; a full send buffer yields a short count.
// timeout is ignored.
func (s *Socket) Send(p []byte, _ time.Duration) (int, error) {
	if s.closed.Load() {
		return 0, transport.ErrSocketClosed
	}

	for {
		n, err := unix.Write(s.fd, p)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, nil
		case err != nil:
			return 0, errors.Wrap(err, "sending")
		}
		return n, nil
	}
}

func (s *Socket) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return transport.ErrSocketClosed
	}
	return errors.Wrap(unix.Close(s.fd), "closing descriptor")
}
