// Package eventloop runs readiness handlers and scheduled callbacks on a
// single goroutine.
//
// Sources are registered with an Interest and a Handler. Sources that expose
// a file descriptor are watched by the loop's Poller; VirtualSources are
// driven by explicit notifications. Every handler and every scheduled
// callback runs on the goroutine that called Run.
package eventloop

import "strings"

// Interest is the set of directions a registration wants to hear about.
type Interest uint8

const (
	Readable Interest = 1 << iota
	Writable
	// EdgeTriggered asks for one notification per readiness transition.
	EdgeTriggered
)

func (i Interest) has(o Interest) bool { return i&o != 0 }

// Event is a set of readiness conditions delivered to a Handler.
type Event uint16

const (
	EventRead Event = 1 << iota
	EventWrite
	EventReadEOF
	EventWriteEOF
	EventReadError
	EventWriteError
)

// Has reports whether any bit of o is set in e.
func (e Event) Has(o Event) bool { return e&o != 0 }

func (e Event) String() string {
	if e == 0 {
		return "none"
	}
	names := []string{"read", "write", "read-eof", "write-eof", "read-error", "write-error"}
	var parts []string
	for i, name := range names {
		if e&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	return strings.Join(parts, "|")
}

// filter drops directional readiness the interest does not ask for.
// End of stream and errors are always delivered.
func (e Event) filter(i Interest) Event {
	if !i.has(Readable) {
		e &^= EventRead
	}
	if !i.has(Writable) {
		e &^= EventWrite
	}
	return e
}

// Handler receives readiness for one registration.
type Handler interface {
	HandleEvent(ev Event)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ev Event)

func (f HandlerFunc) HandleEvent(ev Event) { f(ev) }

// Source is anything that can be registered: an FdSource, a VirtualSource,
// or an opaque value whose readiness is only ever delivered via Notify.
type Source any

// FdSource is a source the Poller can watch.
type FdSource interface {
	Fd() int
}

// Notifier delivers readiness for a registration from any goroutine.
type Notifier interface {
	Notify(ev Event)
}

// VirtualSource is a source whose readiness is pushed by the source itself.
type VirtualSource interface {
	// BindNotifier is called on registration, and with nil on deregistration.
	BindNotifier(n Notifier)
	// Ready reports current readiness; used to re-evaluate on re-arm.
	Ready() Event
}

// Registration is a source's membership in a loop.
type Registration interface {
	Notifier
	// SetInterest replaces the armed directions. Arming a direction
	// re-evaluates it, so an edge-triggered source that is already ready
	// is reported again.
	SetInterest(i Interest) error
	Interest() Interest
}

// Timer is a pending ScheduleAfter callback.
type Timer interface {
	Stop() bool
}
