package eventloop

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/eapache/queue"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

var (
	ErrLoopClosed        = errors.New("event loop is closed")
	ErrLoopRunning       = errors.New("event loop is already running")
	ErrNotRegistered     = errors.New("source is not registered")
	ErrAlreadyRegistered = errors.New("file descriptor is already registered")
)

const defaultBatchSize = 64

type Options struct {
	// BatchSize bounds how many scheduled callbacks run between two polls.
	BatchSize int
}

// EventLoop pins readiness handlers and scheduled callbacks to the
// goroutine running Run.
type EventLoop struct {
	poller Poller // nil: virtual sources only.
	clock  clock.Clock
	logger *slog.Logger
	opts   Options

	mu     sync.Mutex
	tasks  *queue.Queue // of func(), protected by mu.
	fds    map[int]*registration
	closed bool

	batch   []func()
	wake    chan struct{}
	running atomic.Bool
	done    chan struct{}
}

// New creates a loop. The loop takes ownership of poller and closes it
// when Run returns.
func New(poller Poller, logger *slog.Logger, clock clock.Clock, opts Options) *EventLoop {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}

	return &EventLoop{
		poller: poller,
		clock:  clock,
		logger: logger,
		opts:   opts,
		tasks:  queue.New(),
		fds:    make(map[int]*registration),
		batch:  make([]func(), 0, opts.BatchSize),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Run processes callbacks until ctx is done or Close is called.
func (l *EventLoop) Run(ctx context.Context) (err error) {
	if !l.running.CompareAndSwap(false, true) {
		if l.isClosed() {
			return ErrLoopClosed
		}
		return ErrLoopRunning
	}
	defer close(l.done)
	defer func() { err = multierr.Append(err, l.shutdown()) }()

	stop := context.AfterFunc(ctx, l.Close)
	defer stop()

	for !l.isClosed() {
		pending := l.runTasks()
		if l.isClosed() {
			return nil
		}
		if err := l.wait(pending); err != nil {
			return err
		}
	}
	return nil
}

// Close stops the loop. Pending callbacks are discarded.
// It does not wait for Run to return; use Done for that.
func (l *EventLoop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.wakeLocked()
	l.mu.Unlock()

	if l.running.CompareAndSwap(false, true) {
		// Never ran: release the poller here.
		if err := l.shutdown(); err != nil {
			l.logger.Warn("closing idle event loop", "error", err)
		}
		close(l.done)
	}
}

// Done is closed once the loop has stopped and released its poller.
func (l *EventLoop) Done() <-chan struct{} { return l.done }

// Schedule queues fn to run on the loop. Safe from any goroutine.
func (l *EventLoop) Schedule(fn func()) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrLoopClosed
	}

	l.tasks.Add(fn)
	l.wakeLocked()
	return nil
}

// ScheduleAfter queues fn to run on the loop once d has elapsed.
func (l *EventLoop) ScheduleAfter(d time.Duration, fn func()) (Timer, error) {
	if l.isClosed() {
		return nil, ErrLoopClosed
	}

	return l.clock.AfterFunc(d, func() {
		// The loop may be gone by now; nothing is left to run fn on.
		_ = l.Schedule(fn)
	}), nil
}

// Register adds src to the loop with the given interest.
func (l *EventLoop) Register(src Source, i Interest, h Handler) (Registration, error) {
	r := &registration{loop: l, src: src, fd: -1, handler: h}
	r.interest.Store(uint32(i))

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrLoopClosed
	}
	if fs, ok := src.(FdSource); ok && l.poller != nil {
		fd := fs.Fd()
		if _, dup := l.fds[fd]; dup {
			l.mu.Unlock()
			return nil, ErrAlreadyRegistered
		}
		if err := l.poller.Add(fd, i); err != nil {
			l.mu.Unlock()
			return nil, errors.Wrap(err, "registering descriptor")
		}
		r.fd = fd
		l.fds[fd] = r
	}
	l.mu.Unlock()

	if vs, ok := src.(VirtualSource); ok && r.fd < 0 {
		vs.BindNotifier(r)
		r.reevaluate(i)
	}

	return r, nil
}

// Deregister removes a registration. Deregistering twice is a no-op.
func (l *EventLoop) Deregister(reg Registration) error {
	r, ok := reg.(*registration)
	if !ok || r.loop != l {
		return ErrNotRegistered
	}
	if !r.removed.CompareAndSwap(false, true) {
		return nil
	}

	if vs, ok := r.src.(VirtualSource); ok && r.fd < 0 {
		vs.BindNotifier(nil)
	}
	if r.fd < 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.fds, r.fd)
	if l.closed {
		// Poller is released by shutdown.
		return nil
	}
	return errors.Wrap(l.poller.Remove(r.fd), "deregistering descriptor")
}

func (l *EventLoop) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// runTasks runs at most one batch and reports whether tasks remain.
// Tasks scheduled by the batch itself wait for the next iteration, after
// readiness has been polled.
func (l *EventLoop) runTasks() (pending bool) {
	l.mu.Lock()
	n := min(l.tasks.Length(), l.opts.BatchSize)
	batch := l.batch[:0]
	for range n {
		batch = append(batch, l.tasks.Remove().(func()))
	}
	l.mu.Unlock()

	for i, fn := range batch {
		l.safeCall(fn)
		batch[i] = nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tasks.Length() > 0
}

func (l *EventLoop) wait(pending bool) error {
	if l.poller == nil {
		if !pending {
			<-l.wake
		}
		return nil
	}

	timeout := time.Duration(-1)
	if pending {
		timeout = 0
	}
	return errors.Wrap(l.poller.Wait(timeout, l.dispatch), "polling")
}

func (l *EventLoop) dispatch(fd int, ev Event) {
	l.mu.Lock()
	r := l.fds[fd]
	l.mu.Unlock()

	if r != nil {
		r.deliver(ev)
	}
}

func (l *EventLoop) wakeLocked() {
	if l.poller == nil {
		select {
		case l.wake <- struct{}{}:
		default:
		}
		return
	}
	if l.running.Load() {
		if err := l.poller.Wake(); err != nil {
			l.logger.Warn("waking event loop", "error", err)
		}
	}
}

func (l *EventLoop) shutdown() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.closed = true
	l.tasks = queue.New()
	for fd, r := range l.fds {
		r.removed.Store(true)
		delete(l.fds, fd)
	}

	if l.poller == nil {
		return nil
	}
	err := l.poller.Close()
	l.poller = nil
	return errors.Wrap(err, "closing poller")
}

func (l *EventLoop) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("recovered panic in loop callback", "panic", r)
		}
	}()
	fn()
}

type registration struct {
	loop     *EventLoop
	src      Source
	fd       int // -1 when not watched by the poller.
	handler  Handler
	interest atomic.Uint32
	removed  atomic.Bool
}

var _ Registration = (*registration)(nil)

func (r *registration) Interest() Interest { return Interest(r.interest.Load()) }

func (r *registration) SetInterest(i Interest) error {
	if r.removed.Load() {
		return ErrNotRegistered
	}
	r.interest.Store(uint32(i))

	if r.fd >= 0 {
		r.loop.mu.Lock()
		defer r.loop.mu.Unlock()
		if r.loop.poller == nil {
			return ErrLoopClosed
		}
		return errors.Wrap(r.loop.poller.Modify(r.fd, i), "modifying interest")
	}

	r.reevaluate(i)
	return nil
}

func (r *registration) reevaluate(i Interest) {
	if vs, ok := r.src.(VirtualSource); ok {
		if ready := vs.Ready().filter(i); ready != 0 {
			r.Notify(ready)
		}
	}
}

// Notify delivers ev on the loop goroutine.
func (r *registration) Notify(ev Event) {
	if r.removed.Load() {
		return
	}
	_ = r.loop.Schedule(func() { r.deliver(ev) })
}

func (r *registration) deliver(ev Event) {
	if r.removed.Load() {
		return
	}
	if ev = ev.filter(r.Interest()); ev == 0 {
		return
	}
	r.loop.safeCall(func() { r.handler.HandleEvent(ev) })

	// Level-triggered virtual sources keep reporting while still ready.
	if i := r.Interest(); r.fd < 0 && !i.has(EdgeTriggered) {
		r.reevaluate(i)
	}
}
