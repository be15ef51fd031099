// Package stream binds a non-blocking transport.Socket to an event loop and
// moves bytes between it and a transport.Connection.
//
// All handlers of a Transport run on its home loop. Only Perform and
// Shutdown may be called from other goroutines.
package stream

import (
	"evtransport/eventloop"
	"evtransport/transport"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// Loop is the dispatch loop a Transport is pinned to.
type Loop interface {
	Register(src eventloop.Source, i eventloop.Interest, h eventloop.Handler) (eventloop.Registration, error)
	Deregister(reg eventloop.Registration) error
	Schedule(fn func()) error
	ScheduleAfter(d time.Duration, fn func()) (eventloop.Timer, error)
}

type state int32

const (
	stateOpen state = iota
	stateClosing
	stateClosed
)

// Transport moves bytes between one socket and its Connection. Its
// handlers run on a single home loop.
type Transport struct {
	sock transport.Socket
	loop Loop
	reg  eventloop.Registration
	conn transport.Connection

	readReady, writeReady bool

	// eof is set once the peer hung up; the socket is no longer watched.
	eof         bool
	readPending bool

	state atomic.Int32
	cause error
	done  chan struct{}

	pacer        *pacer
	retryPending bool
	retryTimer   eventloop.Timer

	logger *slog.Logger
	opts   Options
}

var _ transport.Controller = (*Transport)(nil)
var _ eventloop.Handler = (*Transport)(nil)

// New registers sock with loop for both directions. conn may be nil and
// attached later with SetConnection. Call it on the home loop, or before
// the loop runs.
func New(
	sock transport.Socket,
	loop Loop,
	conn transport.Connection,
	logger *slog.Logger,
	clock clock.Clock,
	opts Options,
) (*Transport, error) {
	if err := opts.validate(); err != nil {
		return nil, errors.Wrap(err, "invalid options")
	}

	t := &Transport{
		sock:       sock,
		loop:       loop,
		conn:       conn,
		readReady:  true,
		writeReady: true,
		done:       make(chan struct{}),
		pacer:      newPacer(opts.Pacing, clock),
		logger:     logger,
		opts:       opts,
	}

	reg, err := loop.Register(sock, t.interest(), t)
	if err != nil {
		return nil, errors.Wrap(err, "registering socket")
	}
	t.reg = reg

	return t, nil
}

// SetConnection attaches conn and re-arms both directions. Must be called
// on the home loop.
func (t *Transport) SetConnection(conn transport.Connection) {
	if t.closed() {
		return
	}
	t.conn = conn
	t.writeReady = true
	t.SetReadReady()
}

// Perform runs fn on the home loop unless the transport has closed by then.
func (t *Transport) Perform(fn func()) error {
	if t.closed() {
		return errors.Wrap(transport.ErrSocketClosed, "transport is closed")
	}
	return t.loop.Schedule(func() {
		if t.closed() {
			return
		}
		fn()
	})
}

// Shutdown closes the transport from any goroutine.
func (t *Transport) Shutdown() error {
	return t.Perform(t.Close)
}

// Close releases the socket and its registration and notifies the
// connection. Closing twice is a no-op. Must be called on the home loop.
func (t *Transport) Close() {
	t.close(nil)
}

// Err returns why the transport closed: nil for an explicit Close,
// transport.ErrEndOfStream, transport.ErrWriteStalled, or a
// *transport.ReadError / *transport.WriteError.
// Only meaningful once Done is closed.
func (t *Transport) Err() error {
	if t.state.Load() != int32(stateClosed) {
		return nil
	}
	return t.cause
}

// Done is closed once the transport has closed.
func (t *Transport) Done() <-chan struct{} { return t.done }

func (t *Transport) ReadReady() bool  { return t.readReady }
func (t *Transport) WriteReady() bool { return t.writeReady }

// SetReadReady arms read readiness and asks the loop to re-evaluate it.
// After the peer hung up it schedules a read instead.
func (t *Transport) SetReadReady() {
	t.readReady = true
	if t.eof && !t.closed() {
		t.scheduleRead()
		return
	}
	t.updateInterest()
}

// ClearReadReady stops read notifications until SetReadReady.
func (t *Transport) ClearReadReady() {
	if !t.readReady {
		return
	}
	t.readReady = false
	t.updateInterest()
}

// SetWriteReady arms write readiness; call it when new outbound data exists.
func (t *Transport) SetWriteReady() {
	t.writeReady = true
	t.updateInterest()
}

// ClearWriteReady stops write notifications until SetWriteReady.
func (t *Transport) ClearWriteReady() {
	if !t.writeReady {
		return
	}
	t.writeReady = false
	t.updateInterest()
}

func (t *Transport) interest() eventloop.Interest {
	var i eventloop.Interest
	if t.readReady {
		i |= eventloop.Readable
	}
	if t.writeReady {
		i |= eventloop.Writable
	}
	if t.edgeDelivery() {
		i |= eventloop.EdgeTriggered
	}
	return i
}

// edgeDelivery reports whether the registration is edge-triggered. Level
// delivery is a superset of edge delivery, so it serves mixed modes.
func (t *Transport) edgeDelivery() bool {
	return t.opts.ReadTrigger == transport.EdgeTriggered && t.opts.WriteTrigger == transport.EdgeTriggered
}

func (t *Transport) updateInterest() {
	if t.closed() || t.eof {
		return
	}
	if err := t.reg.SetInterest(t.interest()); err != nil {
		t.logger.Warn("updating readiness interest", "error", err)
	}
}

func (t *Transport) closed() bool {
	return t.state.Load() != int32(stateOpen)
}

func (t *Transport) close(cause error) {
	if !t.state.CompareAndSwap(int32(stateOpen), int32(stateClosing)) {
		return
	}
	t.cause = cause

	if t.retryTimer != nil {
		t.retryTimer.Stop()
		t.retryTimer = nil
	}

	// Deregister before closing so the descriptor is never watched after
	// it may have been reused.
	var err error
	if !t.eof {
		err = errors.Wrap(t.loop.Deregister(t.reg), "deregistering")
	}
	err = multierr.Append(err, errors.Wrap(t.sock.Close(), "closing socket"))
	if err != nil {
		t.logger.Warn("releasing transport", "error", err)
	}
	t.logClose(cause)

	conn := t.conn
	t.conn = nil
	t.state.Store(int32(stateClosed))
	close(t.done)

	if conn != nil {
		conn.ConnectionClosed()
	}
}

func (t *Transport) logClose(cause error) {
	switch {
	case cause == nil:
		t.logger.Debug("transport closed")
	case transport.IsFailure(cause):
		t.logger.Warn("transport closed", "cause", cause)
	default:
		t.logger.Debug("transport closed", "cause", cause)
	}
}
