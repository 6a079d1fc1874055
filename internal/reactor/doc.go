// Package reactor provides event loop backends for multiloop: an
// epoll/timerfd based reactor on Linux for production use, and a
// deterministic Manual reactor for tests.
package reactor

import "errors"

var (
	// ErrUnsupported is returned by New on platforms without an epoll
	// backend.
	ErrUnsupported = errors.New("reactor: epoll backend requires linux")

	// ErrClosed is returned by Poll after the reactor is closed.
	ErrClosed = errors.New("reactor: closed")
)
