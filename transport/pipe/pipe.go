// Package pipe provides an in-memory, non-blocking socket pair.
//
// Each side buffers a bounded amount of inbound data, so a sender can be
// left with a short write exactly like a real socket with a full send window.
// Sockets report readiness transitions to the loop they are registered with,
// one notification per transition.
package pipe

import (
	"bytes"
	"evtransport/eventloop"
	"evtransport/transport"
	"sync"
	"time"

	"github.com/pkg/errors"
)

var ErrBrokenPipe = errors.New("broken pipe")

type Socket struct {
	name string

	mu *sync.Mutex // shared by both sides.

	in   *bytes.Buffer // protected by mu.
	size int

	closed   bool
	notifier eventloop.Notifier

	// the opposite socket.
	counterpart *Socket
}

var _ transport.Socket = (*Socket)(nil)
var _ eventloop.VirtualSource = (*Socket)(nil)

// Pair creates two connected sockets. Each buffers at most bufSize
// inbound bytes, so bufSize MUST be more than 0.
func Pair(name1, name2 string, bufSize uint) (s1, s2 *Socket) {
	if bufSize == 0 {
		panic("buffer size cannot be 0")
	}

	mu := &sync.Mutex{}
	s1 = &Socket{
		name: name1,
		mu:   mu,
		in:   bytes.NewBuffer(make([]byte, 0, bufSize)),
		size: int(bufSize),
	}
	s2 = &Socket{
		name: name2,
		mu:   mu,
		in:   bytes.NewBuffer(make([]byte, 0, bufSize)),
		size: int(bufSize),
	}

	s1.counterpart, s2.counterpart = s2, s1
	return
}

func (s *Socket) String() string { return s.name }

// Buffered returns how many inbound bytes wait to be received.
func (s *Socket) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.in.Len()
}

func (s *Socket) Receive(p []byte) (n int, err error) {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()
		return 0, transport.ErrSocketClosed
	}

	if s.in.Len() > 0 {
		wasFull := s.in.Len() >= s.size
		n, _ = s.in.Read(p)

		var notify eventloop.Notifier
		if wasFull && n > 0 && !s.counterpart.closed {
			// Counterpart may have been left with a short write.
			notify = s.counterpart.notifier
		}
		s.mu.Unlock()

		if notify != nil {
			notify.Notify(eventloop.EventWrite)
		}
		return n, nil
	}

	peerClosed := s.counterpart.closed
	s.mu.Unlock()

	if peerClosed {
		return 0, nil
	}
	return 0, transport.ErrWouldBlock
}

// Send never blocks, so timeout is ignored.
func (s *Socket) Send(p []byte, _ time.Duration) (n int, err error) {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()
		return 0, transport.ErrSocketClosed
	}

	peer := s.counterpart
	if peer.closed {
		s.mu.Unlock()
		return 0, ErrBrokenPipe
	}

	// We don't want counterpart's buffer to grow.
	n = min(len(p), peer.size-peer.in.Len())
	wasEmpty := peer.in.Len() == 0
	peer.in.Write(p[:n])

	var notify eventloop.Notifier
	if wasEmpty && n > 0 {
		notify = peer.notifier
	}
	s.mu.Unlock()

	if notify != nil {
		notify.Notify(eventloop.EventRead)
	}
	return n, nil
}

func (s *Socket) Close() error {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()
		return transport.ErrSocketClosed
	}
	s.closed = true

	// Counterpart observes end of stream on its next receive.
	notify := s.counterpart.notifier
	s.mu.Unlock()

	if notify != nil {
		notify.Notify(eventloop.EventRead | eventloop.EventReadEOF)
	}
	return nil
}

func (s *Socket) BindNotifier(n eventloop.Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifier = n
}

func (s *Socket) Ready() eventloop.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0
	}

	var ev eventloop.Event
	peer := s.counterpart
	if s.in.Len() > 0 || peer.closed {
		ev |= eventloop.EventRead
	}
	if peer.closed {
		ev |= eventloop.EventReadEOF
	}
	// A closed counterpart is reported writable so the send error surfaces.
	if peer.closed || peer.in.Len() < peer.size {
		ev |= eventloop.EventWrite
	}
	return ev
}
