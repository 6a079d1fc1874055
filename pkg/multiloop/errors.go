package multiloop

import "errors"

var (
	// ErrStopped is the stopped-marker: the value a PerformOp resolves
	// with when the transfer ended via an explicit Stop rather than an
	// engine completion.
	ErrStopped = errors.New("transfer stopped")

	// ErrNotRegistered reports that Stop, Pause or Resume targeted a
	// handle with no active registration.
	ErrNotRegistered = errors.New("transfer is not registered")

	// ErrAlreadyRegistered reports that Perform was called on a handle
	// that already has an active registration.
	ErrAlreadyRegistered = errors.New("transfer is already registered")

	// ErrAlreadyCompleted reports that a PerformOp was awaited twice.
	ErrAlreadyCompleted = errors.New("perform operation was already awaited")

	// ErrShutdown reports that the coordinator has been closed.
	ErrShutdown = errors.New("coordinator is shut down")
)
