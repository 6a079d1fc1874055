package engine

import "errors"

var (
	// ErrRejected marks a registration-time configuration error. It is
	// surfaced synchronously from Add and never retried.
	ErrRejected = errors.New("engine rejected transfer configuration")

	// ErrUnknownToken marks an engine call that referenced a token the
	// engine does not track.
	ErrUnknownToken = errors.New("engine does not track this token")

	// ErrClosed marks a call made after Close.
	ErrClosed = errors.New("engine is closed")
)
