// Package engine defines the boundary between the warpmux transfer
// coordinator and the multi-transfer I/O engine that drives the wire.
// The engine owns everything below the socket: connection establishment,
// protocol framing and retries. The coordinator owns nothing but the
// bookkeeping that lets many transfers share one event loop.
package engine

import "time"

// Token identifies one registered transfer. Tokens are assigned by the
// engine in Add and are unique for as long as the transfer stays
// registered; an engine may recycle tokens after Remove.
type Token uint64

// Option is the name of a single transfer configuration entry.
type Option string

// Config maps option names to values. The coordinator treats it as
// opaque and hands it to the engine untouched. A Config must not be
// mutated after it has been passed to Add; the engine snapshots it at
// registration time.
type Config map[Option]any

// SocketState is what the engine wants the event loop to do with a
// descriptor, reported through the SocketFunc callback.
type SocketState int

const (
	// WatchRead asks the loop to watch the descriptor for readability.
	WatchRead SocketState = iota + 1
	// WatchWrite asks the loop to watch the descriptor for writability.
	WatchWrite
	// WatchReadWrite asks the loop to watch both directions.
	WatchReadWrite
	// WatchRemove asks the loop to stop watching the descriptor.
	WatchRemove
)

// String returns a short name for logging.
func (s SocketState) String() string {
	switch s {
	case WatchRead:
		return "read"
	case WatchWrite:
		return "write"
	case WatchReadWrite:
		return "read+write"
	case WatchRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// EventMask describes which readiness events fired for a descriptor
// passed to SocketAction.
type EventMask int

const (
	// EventRead means the descriptor became readable.
	EventRead EventMask = 1 << iota
	// EventWrite means the descriptor became writable.
	EventWrite
	// EventError means the loop observed an error or hangup condition.
	EventError
)

// SocketTimeout is the sentinel descriptor passed to SocketAction when
// the engine's requested timer elapsed instead of a socket becoming
// ready.
const SocketTimeout = -1

// SocketFunc receives the engine's descriptor interest changes. It is
// invoked synchronously from inside Add, Remove and SocketAction, on
// the same goroutine that made that call.
type SocketFunc func(fd int, what SocketState)

// TimerFunc receives the engine's single timer request. A negative
// timeout cancels the pending timer; zero means fire as soon as
// possible. A new request always replaces the previous one. Like
// SocketFunc it is invoked synchronously from inside engine calls.
type TimerFunc func(timeout time.Duration)

// Outcome is the final result of a successful transfer.
type Outcome struct {
	// Code is the protocol-level result, e.g. an HTTP status code.
	Code int
	// BytesReceived is the total payload size delivered to the caller.
	BytesReceived int64
	// Proto names the protocol the engine ended up speaking.
	Proto string
}

// Completion reports that one transfer finished. Exactly one of
// Outcome and Err is meaningful, discriminated by Err being nil.
type Completion struct {
	Token   Token
	Outcome Outcome
	Err     error
}

// PauseMask selects which transfer directions to pause.
type PauseMask int

const (
	// PauseRecv pauses delivery of received payload.
	PauseRecv PauseMask = 1 << iota
	// PauseSend pauses upload of request payload.
	PauseSend
)

const (
	// PauseNone clears all pauses ("continue").
	PauseNone PauseMask = 0
	// PauseAll pauses both directions.
	PauseAll = PauseRecv | PauseSend
)

// Engine is the multi-transfer I/O engine contract the coordinator
// drives. Implementations are not required to be safe for concurrent
// use; the coordinator calls every method from a single goroutine.
//
// Reentrancy: Add, Remove and SocketAction may synchronously invoke
// the callbacks installed with SetSocketFunc and SetTimerFunc before
// they return. Callers must be prepared for that.
type Engine interface {
	// Add registers a new transfer and returns its token. A
	// configuration the engine cannot act on fails with an error
	// wrapping ErrRejected.
	Add(cfg Config) (Token, error)

	// Remove unregisters a transfer. Any queued completion for the
	// token is discarded, so a completion can never be observed for
	// a token that was removed first. Removing an unknown token is a
	// no-op.
	Remove(tok Token)

	// SocketAction tells the engine a descriptor became ready for the
	// given events, or that the requested timer elapsed when fd is
	// SocketTimeout. Passing a descriptor the engine no longer tracks
	// is a no-op. It returns the number of still-running transfers.
	SocketAction(fd int, ev EventMask) (running int, err error)

	// SetSocketFunc installs the descriptor-interest callback.
	SetSocketFunc(fn SocketFunc)

	// SetTimerFunc installs the timer-request callback.
	SetTimerFunc(fn TimerFunc)

	// NextCompletion pops the oldest queued completion, reporting
	// false when the queue is empty.
	NextCompletion() (Completion, bool)

	// Pause pauses or resumes a transfer's directions. Pausing an
	// unknown token fails with an error wrapping ErrUnknownToken.
	Pause(tok Token, mask PauseMask) error

	// Close releases everything the engine holds. No other method may
	// be called afterwards.
	Close() error
}
