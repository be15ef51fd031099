package transport

import (
	"github.com/pkg/errors"
)

var (
	ErrEndOfStream  = errors.New("end of stream")
	ErrWouldBlock   = errors.New("operation would block")
	ErrSocketClosed = errors.New("socket is closed")
	ErrWriteStalled = errors.New("write stalled: peer is not accepting data")
)

// ReadError is a failure reported by the socket while receiving.
type ReadError struct {
	Err error
}

func (e *ReadError) Error() string { return "read error: " + e.Err.Error() }
func (e *ReadError) Unwrap() error { return e.Err }

// WriteError is a failure reported by the socket while sending.
type WriteError struct {
	Err error
}

func (e *WriteError) Error() string { return "write error: " + e.Err.Error() }
func (e *WriteError) Unwrap() error { return e.Err }

// IsFailure reports whether err ends a transport abnormally.
// End of stream and an explicit close are not failures.
func IsFailure(err error) bool {
	return err != nil && !errors.Is(err, ErrEndOfStream)
}
