package stream

import (
	"evtransport/eventloop"
	"evtransport/transport"

	"github.com/pkg/errors"
)

var errPollerReported = errors.New("poller reported a socket error")

// HandleEvent routes one readiness notification from the loop.
func (t *Transport) HandleEvent(ev eventloop.Event) {
	if ev.Has(eventloop.EventReadEOF|eventloop.EventWriteEOF) && !t.closed() {
		t.peerClosed()
	}
	if ev.Has(eventloop.EventRead) && !t.closed() {
		t.hasBytesAvailable()
	}
	if ev.Has(eventloop.EventWrite) && !t.closed() {
		t.canAcceptBytes()
	}
	if ev.Has(eventloop.EventReadError) && !t.closed() {
		t.handleReadError(errPollerReported)
	}
	if ev.Has(eventloop.EventWriteError) && !t.closed() {
		t.handleWriteError(errPollerReported)
	}
}

// hasBytesAvailable issues exactly one receive. It never drains the socket:
// further data is announced by the next readiness event, or by a scheduled
// read once the peer has closed.
func (t *Transport) hasBytesAvailable() {
	if t.conn == nil {
		t.idleRead()
		return
	}

	buf := t.conn.ReadDataRequested()
	if len(buf) == 0 {
		t.idleRead()
		return
	}

	n, err := t.sock.Receive(buf)
	switch {
	case errors.Is(err, transport.ErrWouldBlock):
	case err != nil:
		t.handleReadError(err)
	case n == 0:
		t.close(transport.ErrEndOfStream)
	default:
		t.conn.DataReceived(n)
		switch {
		case t.closed():
		case t.eof:
			t.scheduleRead()
		case n == len(buf):
			// The socket may hold more than fit; ask to hear about it again.
			t.rearm()
		}
	}
}

// idleRead handles read readiness nobody can take. Under level delivery
// the socket stays readable, so stop hearing about it until SetReadReady.
func (t *Transport) idleRead() {
	if !t.edgeDelivery() {
		t.ClearReadReady()
	}
}

// canAcceptBytes issues exactly one send and arranges a retry when the
// socket took only part of the buffer.
func (t *Transport) canAcceptBytes() {
	if t.conn == nil {
		if !t.edgeDelivery() {
			t.ClearWriteReady()
		}
		return
	}

	buf := t.conn.WriteDataRequested()
	if len(buf) == 0 {
		t.pacer.reset()
		t.ClearWriteReady()
		return
	}

	n, err := t.sock.Send(buf, t.opts.SendTimeout)
	if err != nil {
		t.handleWriteError(err)
		return
	}
	if n > 0 {
		t.pacer.progressed()
		t.conn.DataWritten(n)
	}
	if t.closed() {
		return
	}

	if n < len(buf) {
		// Write readiness stays armed. An edge-triggered socket will not
		// report readiness again for data we already know is pending.
		if t.edgeDelivery() {
			t.scheduleWriteRetry()
		}
		return
	}
	t.pacer.reset()
	// The connection may have more queued behind this buffer.
	t.rearm()
}

// rearm re-submits the current interest so an edge-triggered source that is
// still ready reports again.
func (t *Transport) rearm() {
	if t.edgeDelivery() {
		t.updateInterest()
	}
}

// peerClosed stops watching the socket once the peer has hung up. A hangup
// is reported on every poll, and bytes sent before it may still be queued,
// so from here on reads are scheduled until Receive reports the end.
func (t *Transport) peerClosed() {
	if t.eof {
		return
	}
	t.eof = true

	if err := t.loop.Deregister(t.reg); err != nil {
		t.logger.Warn("deregistering after hangup", "error", err)
	}
	t.logger.Debug("peer closed, draining")
	t.scheduleRead()
}

func (t *Transport) scheduleRead() {
	if t.readPending {
		return
	}

	t.readPending = true
	if err := t.loop.Schedule(t.retryRead); err != nil {
		t.readPending = false
		t.logger.Warn("scheduling read", "error", err)
	}
}

// retryRead is the synthetic read event. SetReadReady schedules it again
// when the connection was not taking data.
func (t *Transport) retryRead() {
	t.readPending = false
	if t.closed() || !t.readReady {
		return
	}
	t.hasBytesAvailable()
}

func (t *Transport) scheduleWriteRetry() {
	if t.retryPending {
		return
	}

	delay, ok := t.pacer.next()
	if !ok {
		t.logger.Warn("giving up on short writes", "streak", t.pacer.streak)
		t.close(transport.ErrWriteStalled)
		return
	}

	t.retryPending = true
	if delay == 0 {
		if err := t.loop.Schedule(t.retryWrite); err != nil {
			t.retryPending = false
			t.logger.Warn("scheduling write retry", "error", err)
		}
		return
	}

	timer, err := t.loop.ScheduleAfter(delay, t.retryWrite)
	if err != nil {
		t.retryPending = false
		t.logger.Warn("scheduling write retry", "error", err, "delay", delay)
		return
	}
	t.retryTimer = timer
}

// retryWrite is the synthetic write event. It is a no-op after close.
func (t *Transport) retryWrite() {
	t.retryPending = false
	t.retryTimer = nil
	if t.closed() || !t.writeReady {
		return
	}
	t.canAcceptBytes()
}

func (t *Transport) handleReadError(err error) {
	t.close(&transport.ReadError{Err: err})
}

func (t *Transport) handleWriteError(err error) {
	t.close(&transport.WriteError{Err: err})
}
