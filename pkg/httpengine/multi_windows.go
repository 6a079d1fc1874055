//go:build windows

package httpengine

import (
	"errors"

	"github.com/warpdl/warpmux/pkg/engine"
	"github.com/warpdl/warpmux/pkg/logger"
)

// ErrUnsupported reports that this reference engine has no Windows
// backend; it drives raw unix sockets.
var ErrUnsupported = errors.New("httpengine: requires a unix platform")

// Multi is a stub on Windows. Every transfer is rejected.
type Multi struct{}

// New creates the stub engine.
func New(l logger.Logger) *Multi {
	return &Multi{}
}

// Add rejects every configuration.
func (m *Multi) Add(cfg engine.Config) (engine.Token, error) {
	return 0, ErrUnsupported
}

// Remove is a no-op.
func (m *Multi) Remove(tok engine.Token) {}

// SocketAction reports ErrUnsupported.
func (m *Multi) SocketAction(fd int, ev engine.EventMask) (int, error) {
	return 0, ErrUnsupported
}

// SetSocketFunc is a no-op.
func (m *Multi) SetSocketFunc(fn engine.SocketFunc) {}

// SetTimerFunc is a no-op.
func (m *Multi) SetTimerFunc(fn engine.TimerFunc) {}

// NextCompletion reports an empty queue.
func (m *Multi) NextCompletion() (engine.Completion, bool) {
	return engine.Completion{}, false
}

// Pause reports ErrUnsupported.
func (m *Multi) Pause(tok engine.Token, mask engine.PauseMask) error {
	return ErrUnsupported
}

// Close is a no-op.
func (m *Multi) Close() error { return nil }

var _ engine.Engine = (*Multi)(nil)
