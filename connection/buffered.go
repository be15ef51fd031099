// Package connection provides a buffering transport.Connection.
package connection

import (
	"evtransport/lib/ds/queue"
	"evtransport/transport"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

var (
	ErrBufferFull = errors.New("outbound buffer is full")
	ErrClosed     = errors.New("connection is closed")
	ErrNotBound   = errors.New("connection is not bound to a transport")
)

// Handler receives inbound data and the close notification on the
// transport's home loop.
type Handler interface {
	// HandleData gets bytes that are only valid during the call.
	HandleData(c *Buffered, p []byte)
	HandleClose(c *Buffered)
}

// HandlerFuncs adapts functions to Handler. Nil fields are skipped.
type HandlerFuncs struct {
	OnData  func(c *Buffered, p []byte)
	OnClose func(c *Buffered)
}

func (h HandlerFuncs) HandleData(c *Buffered, p []byte) {
	if h.OnData != nil {
		h.OnData(c, p)
	}
}

func (h HandlerFuncs) HandleClose(c *Buffered) {
	if h.OnClose != nil {
		h.OnClose(c)
	}
}

type Options struct {
	ReadBufferSize uint
	// MaxPending bounds queued outbound bytes. Zero means unbounded.
	MaxPending uint
}

const defaultReadBufferSize = 4096

// Buffered reads into a fixed buffer and queues outbound writes until the
// transport can take them.
type Buffered struct {
	ctrl    transport.Controller
	handler Handler
	logger  *slog.Logger
	opts    Options

	readBuf []byte
	paused  bool // home loop only.

	mu      sync.Mutex
	out     *queue.Ring[[]byte] // protected by mu.
	head    []byte              // unsent rest of the chunk being written.
	pending uint
	closed  bool

	received, sent atomic.Uint64
	done           chan struct{}
}

var _ transport.Connection = (*Buffered)(nil)

func New(handler Handler, logger *slog.Logger, opts Options) *Buffered {
	if opts.ReadBufferSize == 0 {
		opts.ReadBufferSize = defaultReadBufferSize
	}
	if handler == nil {
		handler = HandlerFuncs{}
	}

	return &Buffered{
		handler: handler,
		logger:  logger,
		opts:    opts,
		readBuf: make([]byte, opts.ReadBufferSize),
		out:     queue.NewRing[[]byte](8),
		done:    make(chan struct{}),
	}
}

// Bind attaches the transport that drives c. It must happen before the
// transport delivers anything, typically right after construction.
func (c *Buffered) Bind(ctrl transport.Controller) {
	c.ctrl = ctrl
}

// Write queues a copy of p and asks the transport for write readiness.
// Safe from any goroutine.
func (c *Buffered) Write(p []byte) error {
	if c.ctrl == nil {
		return ErrNotBound
	}
	if len(p) == 0 {
		return nil
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.opts.MaxPending > 0 && c.pending+uint(len(p)) > c.opts.MaxPending {
		c.mu.Unlock()
		return ErrBufferFull
	}
	c.out.Enqueue(append([]byte(nil), p...))
	c.pending += uint(len(p))
	c.mu.Unlock()

	return errors.Wrap(c.ctrl.Perform(c.ctrl.SetWriteReady), "arming write readiness")
}

// PauseReading stops taking inbound data; it stays queued in the socket.
func (c *Buffered) PauseReading() error {
	if c.ctrl == nil {
		return ErrNotBound
	}
	return c.ctrl.Perform(func() { c.paused = true })
}

// ResumeReading takes inbound data again and re-arms read readiness so
// data that arrived meanwhile is reported.
func (c *Buffered) ResumeReading() error {
	if c.ctrl == nil {
		return ErrNotBound
	}
	return c.ctrl.Perform(func() {
		c.paused = false
		c.ctrl.SetReadReady()
	})
}

// Close closes the underlying transport. Queued data is dropped.
func (c *Buffered) Close() error {
	if c.ctrl == nil {
		return ErrNotBound
	}
	return c.ctrl.Perform(c.ctrl.Close)
}

// Pending returns the number of queued outbound bytes.
func (c *Buffered) Pending() uint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// Received and Sent count bytes moved so far.
func (c *Buffered) Received() uint64 { return c.received.Load() }
func (c *Buffered) Sent() uint64     { return c.sent.Load() }

// Done is closed once the transport has closed and the handler has seen it.
func (c *Buffered) Done() <-chan struct{} { return c.done }

func (c *Buffered) ReadDataRequested() []byte {
	if c.paused {
		return nil
	}
	return c.readBuf
}

func (c *Buffered) DataReceived(n int) {
	c.received.Add(uint64(n))
	c.handler.HandleData(c, c.readBuf[:n])
}

func (c *Buffered) WriteDataRequested() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.head) == 0 {
		next, err := c.out.Dequeue()
		if err != nil {
			return nil
		}
		c.head = next
	}
	return c.head
}

func (c *Buffered) DataWritten(n int) {
	c.mu.Lock()
	c.head = c.head[n:]
	c.pending -= uint(n)
	c.mu.Unlock()

	c.sent.Add(uint64(n))
}

func (c *Buffered) ConnectionClosed() {
	c.mu.Lock()
	c.closed = true
	dropped := c.pending
	c.out = queue.NewRing[[]byte](1)
	c.head = nil
	c.pending = 0
	c.mu.Unlock()

	c.logger.Debug("connection closed",
		"received", c.received.Load(),
		"sent", c.sent.Load(),
		"dropped", dropped,
	)

	c.handler.HandleClose(c)
	close(c.done)
}
