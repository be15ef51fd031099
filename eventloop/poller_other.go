//go:build !linux

package eventloop

import "github.com/pkg/errors"

// NewPoller returns an error on platforms without an epoll implementation.
// Loops created with a nil Poller still serve VirtualSources.
func NewPoller() (Poller, error) {
	return nil, errors.New("eventloop: poller is not supported on this platform")
}
