package multiloop

import (
	"sync"

	"github.com/warpdl/warpmux/pkg/engine"
)

// State is the lifecycle state of a Transfer.
type State int

const (
	// StateIdle means the transfer was never registered, or its last
	// registration has been fully torn down and it may be performed
	// again.
	StateIdle State = iota
	// StateRegistered means the transfer is active inside the engine.
	StateRegistered
	// StateStopped means the last run ended via Stop or cancellation.
	StateStopped
	// StateCompleted means the last run finished successfully.
	StateCompleted
	// StateFailed means the last run failed inside the engine.
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRegistered:
		return "registered"
	case StateStopped:
		return "stopped"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Transfer represents one logical transfer: its configuration, its
// lifecycle state, and the pending result slot of the run in flight.
// A Transfer is owned by the caller that created it; the coordinator
// holds only a token lookup while the transfer is registered. After a
// run reaches a terminal state the same handle may be performed again.
type Transfer struct {
	cfg engine.Config

	mu    sync.Mutex
	state State
	token engine.Token
	op    *PerformOp
}

// NewTransfer creates a handle around cfg. The configuration is handed
// to the engine untouched at registration time and must not be mutated
// once the transfer has been performed.
func NewTransfer(cfg engine.Config) *Transfer {
	return &Transfer{cfg: cfg}
}

// State returns the current lifecycle state.
func (t *Transfer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Config returns the configuration the handle was created with.
// Callers must treat it as read-only.
func (t *Transfer) Config() engine.Config {
	return t.cfg
}
