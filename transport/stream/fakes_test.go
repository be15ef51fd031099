package stream

import (
	"evtransport/eventloop"
	"evtransport/transport"
	"time"
)

// fakeLoop runs nothing on its own; tests drive it.
type fakeLoop struct {
	reg          *fakeRegistration
	tasks        []func()
	delayed      []*fakeTimer
	deregistered int
}

var _ Loop = (*fakeLoop)(nil)

func (l *fakeLoop) Register(_ eventloop.Source, i eventloop.Interest, h eventloop.Handler) (eventloop.Registration, error) {
	l.reg = &fakeRegistration{interest: i, handler: h}
	return l.reg, nil
}

func (l *fakeLoop) Deregister(eventloop.Registration) error {
	l.deregistered++
	return nil
}

func (l *fakeLoop) Schedule(fn func()) error {
	l.tasks = append(l.tasks, fn)
	return nil
}

func (l *fakeLoop) ScheduleAfter(d time.Duration, fn func()) (eventloop.Timer, error) {
	t := &fakeTimer{d: d, fn: fn}
	l.delayed = append(l.delayed, t)
	return t, nil
}

// runPending runs the tasks queued so far and returns how many ran.
func (l *fakeLoop) runPending() int {
	tasks := l.tasks
	l.tasks = nil
	for _, fn := range tasks {
		fn()
	}
	return len(tasks)
}

// fireDelayed runs every timer that was not stopped.
func (l *fakeLoop) fireDelayed() int {
	timers := l.delayed
	l.delayed = nil
	n := 0
	for _, t := range timers {
		if !t.stopped {
			n++
			t.fn()
		}
	}
	return n
}

type fakeTimer struct {
	d       time.Duration
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

type fakeRegistration struct {
	interest eventloop.Interest
	history  []eventloop.Interest
	handler  eventloop.Handler
}

func (r *fakeRegistration) Notify(ev eventloop.Event)    { r.handler.HandleEvent(ev) }
func (r *fakeRegistration) Interest() eventloop.Interest { return r.interest }

func (r *fakeRegistration) SetInterest(i eventloop.Interest) error {
	r.interest = i
	r.history = append(r.history, i)
	return nil
}

type fakeSocket struct {
	incoming []byte
	eof      bool
	recvErr  error

	sendLimit int // < 0: unlimited.
	sendErr   error
	sent      []byte

	recvCalls, sendCalls, closeCalls int
}

var _ transport.Socket = (*fakeSocket)(nil)

func newFakeSocket() *fakeSocket { return &fakeSocket{sendLimit: -1} }

func (s *fakeSocket) Receive(p []byte) (int, error) {
	s.recvCalls++
	if s.recvErr != nil {
		return 0, s.recvErr
	}
	if len(s.incoming) == 0 {
		if s.eof {
			return 0, nil
		}
		return 0, transport.ErrWouldBlock
	}
	n := copy(p, s.incoming)
	s.incoming = s.incoming[n:]
	return n, nil
}

func (s *fakeSocket) Send(p []byte, _ time.Duration) (int, error) {
	s.sendCalls++
	if s.sendErr != nil {
		return 0, s.sendErr
	}
	n := len(p)
	if s.sendLimit >= 0 && n > s.sendLimit {
		n = s.sendLimit
	}
	s.sent = append(s.sent, p[:n]...)
	return n, nil
}

func (s *fakeSocket) Close() error {
	s.closeCalls++
	return nil
}

type recordingConn struct {
	readBuf  []byte
	received []int
	data     []byte

	out       []byte
	written   []int
	writeAsks int
	readAsks  int
	closed    int
	onClosed  func()
}

var _ transport.Connection = (*recordingConn)(nil)

func (c *recordingConn) ReadDataRequested() []byte {
	c.readAsks++
	return c.readBuf
}

func (c *recordingConn) DataReceived(n int) {
	c.received = append(c.received, n)
	c.data = append(c.data, c.readBuf[:n]...)
}

func (c *recordingConn) WriteDataRequested() []byte {
	c.writeAsks++
	return c.out
}

func (c *recordingConn) DataWritten(n int) {
	c.written = append(c.written, n)
	c.out = c.out[n:]
}

func (c *recordingConn) ConnectionClosed() {
	c.closed++
	if c.onClosed != nil {
		c.onClosed()
	}
}
