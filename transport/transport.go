package transport

import "time"

// Connection is the protocol-level consumer a transport moves bytes for.
// All methods are called on the transport's home loop.
//
// Slices returned by ReadDataRequested and WriteDataRequested are only
// borrowed for the duration of the handler that requested them.
type Connection interface {
	// ReadDataRequested returns the buffer the next receive fills.
	// An empty slice means there is no read demand.
	ReadDataRequested() []byte
	// DataReceived reports n > 0 bytes placed at the start of the last
	// buffer returned by ReadDataRequested.
	DataReceived(n int)

	// WriteDataRequested returns pending outbound bytes.
	// An empty slice means there is nothing to send.
	WriteDataRequested() []byte
	// DataWritten reports n > 0 bytes of the last write buffer were sent.
	DataWritten(n int)

	// ConnectionClosed is called exactly once, when the transport closes.
	ConnectionClosed()
}

// Socket is a non-blocking byte stream.
type Socket interface {
	// Receive reads at most len(p) bytes. (0, nil) means end of stream.
	// ErrWouldBlock means nothing is available right now.
	Receive(p []byte) (n int, err error)
	// Send writes at most len(p) bytes. A short count is not an error.
	// timeout is a hint; non-blocking sockets may ignore it.
	Send(p []byte, timeout time.Duration) (n int, err error)
	Close() error
}

// Controller is the side of a transport a Connection may drive.
type Controller interface {
	// Perform runs fn on the transport's home loop.
	// fn is dropped if the transport is closed by then.
	Perform(fn func()) error

	// The following must be called on the home loop.
	SetReadReady()
	SetWriteReady()
	Close()
}

// Trigger selects how readiness is reported for one direction.
type Trigger uint8

const (
	// EdgeTriggered readiness fires once per state transition.
	EdgeTriggered Trigger = iota
	// LevelTriggered readiness fires for as long as the state holds.
	LevelTriggered
)

func (t Trigger) String() string {
	switch t {
	case EdgeTriggered:
		return "edge"
	case LevelTriggered:
		return "level"
	}
	return "unknown"
}
