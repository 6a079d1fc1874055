package multiloop

import (
	"context"
	"sync/atomic"

	"github.com/warpdl/warpmux/pkg/engine"
)

// PerformOp is the awaitable result of one run of a transfer. It is
// created by Coordinator.Perform and resolved exactly once: with the
// transfer's outcome, with an engine error, with ErrStopped after an
// explicit Stop, or with ErrShutdown when the coordinator closes.
type PerformOp struct {
	c *Coordinator
	t *Transfer

	done    chan struct{}
	outcome engine.Outcome
	err     error

	awaited atomic.Bool
}

// resolve publishes the result. Called exactly once, on the loop
// goroutine.
func (op *PerformOp) resolve(out engine.Outcome, err error) {
	op.outcome = out
	op.err = err
	close(op.done)
}

// Done returns a channel that is closed when the operation resolves.
// It exists so several operations can be fanned in with select; the
// result itself must still be collected through Await.
func (op *PerformOp) Done() <-chan struct{} {
	return op.done
}

// Await suspends the calling goroutine until the transfer finishes, is
// stopped, or ctx is done. A stopped transfer yields ErrStopped; an
// engine failure yields the engine's error.
//
// When ctx is done first, Await withdraws the transfer's registration
// from the coordinator before returning ctx.Err(), so a cancelled
// caller never leaks an active registration. If the transfer resolved
// while the cancellation was in flight, that resolution wins and is
// returned instead.
//
// An operation may be awaited only once; a second call fails with
// ErrAlreadyCompleted.
func (op *PerformOp) Await(ctx context.Context) (engine.Outcome, error) {
	if !op.awaited.CompareAndSwap(false, true) {
		return engine.Outcome{}, ErrAlreadyCompleted
	}
	select {
	case <-op.done:
		return op.outcome, op.err
	case <-ctx.Done():
	}
	if op.c.deregister(op.t, ctx.Err()) {
		return engine.Outcome{}, ctx.Err()
	}
	// The registration was already gone: the transfer resolved (or the
	// coordinator shut down) before the cancellation landed.
	<-op.done
	return op.outcome, op.err
}
