package multiloop

import "time"

// IOMode is the set of readiness directions a descriptor is watched
// for.
type IOMode int

const (
	// ModeRead watches for readability.
	ModeRead IOMode = 1 << iota
	// ModeWrite watches for writability.
	ModeWrite
)

// String returns a short name for logging.
func (m IOMode) String() string {
	switch m {
	case ModeRead:
		return "read"
	case ModeWrite:
		return "write"
	case ModeRead | ModeWrite:
		return "read+write"
	default:
		return "none"
	}
}

// Handler receives reactor events. Every method is invoked from the
// goroutine that is running Poll, never concurrently.
type Handler interface {
	// OnSocketReady reports that a watched descriptor became ready.
	OnSocketReady(fd int, mode IOMode)
	// OnTimerFire reports that the armed deadline elapsed.
	OnTimerFire()
	// OnWake reports that Wake was called.
	OnWake()
}

// Reactor is the host scheduler boundary: readiness subscriptions, a
// single one-shot timer, and cross-goroutine wakeups. The production
// implementation lives in internal/reactor; tests substitute their
// own.
//
// All methods except Wake must be called from the goroutine that runs
// Poll. Wake is safe from any goroutine.
type Reactor interface {
	// Watch subscribes fd for mode, replacing any existing
	// subscription for the same descriptor.
	Watch(fd int, mode IOMode) error

	// Unwatch drops the subscription for fd. Unwatching a descriptor
	// that is not subscribed is a no-op.
	Unwatch(fd int) error

	// ArmTimer schedules the single one-shot deadline d from now,
	// replacing any previously armed deadline. A non-positive d fires
	// as soon as possible.
	ArmTimer(d time.Duration) error

	// DisarmTimer cancels the pending deadline if one is armed.
	DisarmTimer() error

	// Wake makes the current or next Poll call dispatch OnWake.
	Wake() error

	// Poll blocks until at least one event is available and dispatches
	// the batch to h, then returns.
	Poll(h Handler) error

	// Close releases the reactor's resources.
	Close() error
}
