//go:build !linux

package reactor

import "github.com/warpdl/warpmux/pkg/multiloop"

// New reports that no epoll backend exists on this platform. The
// Manual reactor remains available everywhere.
func New() (multiloop.Reactor, error) {
	return nil, ErrUnsupported
}
