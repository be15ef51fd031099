package eventloop

import "time"

// Poller waits for readiness on file descriptors.
// Add, Modify, Remove and Wake may be called from any goroutine;
// Wait is only called by the loop.
type Poller interface {
	Add(fd int, i Interest) error
	Modify(fd int, i Interest) error
	Remove(fd int) error
	// Wait blocks up to timeout (negative blocks forever) and calls dispatch
	// for every ready descriptor. A Wake call makes it return early.
	Wait(timeout time.Duration, dispatch func(fd int, ev Event)) error
	Wake() error
	Close() error
}
