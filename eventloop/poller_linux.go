//go:build linux

package eventloop

import (
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

const maxEpollEvents = 128

type epollPoller struct {
	epfd   int
	wakefd int
	events []unix.EpollEvent
}

var _ Poller = (*epollPoller)(nil)

// NewPoller returns an epoll-backed Poller.
func NewPoller() (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "epoll create")
	}

	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, errors.Wrap(err, "eventfd create")
	}

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		_ = unix.Close(wakefd)
		_ = unix.Close(epfd)
		return nil, errors.Wrap(err, "epoll ctl add eventfd")
	}

	return &epollPoller{
		epfd:   epfd,
		wakefd: wakefd,
		events: make([]unix.EpollEvent, maxEpollEvents),
	}, nil
}

func (p *epollPoller) Add(fd int, i Interest) error {
	ev := unix.EpollEvent{Events: toEpoll(i), Fd: int32(fd)}
	return errors.Wrap(unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev), "epoll ctl add")
}

// Modify also re-arms an edge-triggered descriptor: epoll reports it again
// if it is ready for any of the requested directions.
func (p *epollPoller) Modify(fd int, i Interest) error {
	ev := unix.EpollEvent{Events: toEpoll(i), Fd: int32(fd)}
	return errors.Wrap(unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev), "epoll ctl mod")
}

func (p *epollPoller) Remove(fd int) error {
	return errors.Wrap(unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil), "epoll ctl del")
}

func (p *epollPoller) Wait(timeout time.Duration, dispatch func(fd int, ev Event)) error {
	n, err := unix.EpollWait(p.epfd, p.events, toMillis(timeout))
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return errors.Wrap(err, "epoll wait")
	}

	for i := 0; i < n; i++ {
		raw := p.events[i]
		fd := int(raw.Fd)
		if fd == p.wakefd {
			p.drainWake()
			continue
		}
		if ev := fromEpoll(raw.Events); ev != 0 {
			dispatch(fd, ev)
		}
	}
	return nil
}

func (p *epollPoller) Wake() error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], 1)
	_, err := unix.Write(p.wakefd, b[:])
	if err == unix.EAGAIN {
		// Counter is saturated; a wake-up is already pending.
		return nil
	}
	return errors.Wrap(err, "eventfd write")
}

func (p *epollPoller) drainWake() {
	var b [8]byte
	_, _ = unix.Read(p.wakefd, b[:])
}

func (p *epollPoller) Close() error {
	return multierr.Append(
		errors.Wrap(unix.Close(p.wakefd), "closing eventfd"),
		errors.Wrap(unix.Close(p.epfd), "closing epoll"),
	)
}

func toEpoll(i Interest) uint32 {
	var events uint32
	if i.has(Readable) {
		events |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if i.has(Writable) {
		events |= unix.EPOLLOUT
	}
	if i.has(EdgeTriggered) {
		events |= unix.EPOLLET
	}
	return events
}

func fromEpoll(events uint32) Event {
	var ev Event
	if events&unix.EPOLLIN != 0 {
		ev |= EventRead
	}
	if events&unix.EPOLLOUT != 0 {
		ev |= EventWrite
	}
	if events&unix.EPOLLERR != 0 {
		ev |= EventReadError | EventWriteError
	}
	// Input may still be queued; the end of stream rides along with it.
	if events&unix.EPOLLRDHUP != 0 {
		ev |= EventReadEOF
	}
	if events&unix.EPOLLHUP != 0 {
		ev |= EventReadEOF | EventWriteEOF
	}
	return ev
}

func toMillis(d time.Duration) int {
	if d < 0 {
		return -1
	}
	ms := d / time.Millisecond
	if d%time.Millisecond != 0 {
		ms++
	}
	return int(ms)
}
