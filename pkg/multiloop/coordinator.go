// Package multiloop bridges a callback-driven multi-transfer engine
// and a readiness-based event loop. It turns the engine's "watch this
// descriptor" and "call me back in T" requests into reactor
// subscriptions, and the engine's completion messages into resolvable,
// cancellable perform operations, so that any number of concurrent
// transfers share a single loop goroutine.
package multiloop

import (
	"fmt"
	"sync"
	"time"

	"github.com/warpdl/warpmux/pkg/engine"
	"github.com/warpdl/warpmux/pkg/logger"
)

// Coordinator orchestrates one engine instance on one loop goroutine.
// It owns the engine, the socket registry and the timer line for its
// lifetime; no other goroutine touches them. Callers interact through
// Perform, Stop, Pause, Resume and Close, all of which marshal their
// work onto the loop goroutine, so the engine's reentrant callbacks
// are always executed single-threaded.
type Coordinator struct {
	eng     engine.Engine
	reactor Reactor
	log     logger.Logger

	cmds     chan func()
	loopDone chan struct{}
	closed   sync.Once

	// Loop-owned state. Only the loop goroutine reads or writes these,
	// including from inside engine callbacks.
	transfers map[engine.Token]*Transfer
	sockets   socketRegistry
	timer     timerLine
	closing   bool
	fatalErr  error
}

// NewCoordinator wires the engine's socket and timer callbacks into a
// new coordinator and starts its loop goroutine. The coordinator takes
// ownership of eng and r: both are closed by Close. The logger may be
// nil.
//
// One coordinator drives exactly one engine instance; create one
// coordinator per engine.
func NewCoordinator(eng engine.Engine, r Reactor, l logger.Logger) *Coordinator {
	if l == nil {
		l = logger.NewNopLogger()
	}
	c := &Coordinator{
		eng:       eng,
		reactor:   r,
		log:       l,
		cmds:      make(chan func(), 16),
		loopDone:  make(chan struct{}),
		transfers: make(map[engine.Token]*Transfer),
		sockets:   newSocketRegistry(r),
		timer:     timerLine{reactor: r},
	}
	eng.SetSocketFunc(c.applySocketState)
	eng.SetTimerFunc(c.applyTimer)
	go c.run()
	return c
}

// Perform registers the transfer with the engine and returns the
// operation that resolves when the transfer finishes or is stopped.
// A configuration the engine refuses fails here, synchronously, with
// the engine's error (wrapping engine.ErrRejected); no operation is
// created in that case. Performing a handle that is already registered
// fails with ErrAlreadyRegistered.
func (c *Coordinator) Perform(t *Transfer) (*PerformOp, error) {
	op := &PerformOp{c: c, t: t, done: make(chan struct{})}
	if err := c.call(func() error { return c.register(t, op) }); err != nil {
		return nil, err
	}
	return op, nil
}

// Stop withdraws the transfer's active registration without waiting
// for an engine completion and resolves its pending operation with
// ErrStopped. Stopping a handle that is not registered fails with
// ErrNotRegistered.
func (c *Coordinator) Stop(t *Transfer) error {
	return c.call(func() error { return c.withdraw(t, ErrStopped) })
}

// Pause forwards the pause mask to the engine for a registered
// transfer. It does not change the handle's state and does not resolve
// the pending operation; a paused transfer simply stops producing
// socket activity until resumed.
func (c *Coordinator) Pause(t *Transfer, mask engine.PauseMask) error {
	return c.call(func() error { return c.pause(t, mask) })
}

// Resume clears all pauses on a registered transfer.
func (c *Coordinator) Resume(t *Transfer) error {
	return c.Pause(t, engine.PauseNone)
}

// Close shuts the coordinator down: every active transfer is
// unregistered and its pending operation resolved with ErrShutdown,
// the timer is disarmed, all descriptors are unsubscribed, and the
// engine and reactor are closed, in that order. Close blocks until the
// loop goroutine has exited and is safe to call more than once. If the
// loop died of an unrecoverable scheduler failure, that error is
// returned.
func (c *Coordinator) Close() error {
	c.closed.Do(func() {
		c.submit(func() { c.closing = true })
		<-c.loopDone
	})
	<-c.loopDone
	return c.fatalErr
}

// run is the loop goroutine. Everything the coordinator does to the
// engine, the registry and the timer happens here.
func (c *Coordinator) run() {
	defer close(c.loopDone)
	for !c.closing {
		if err := c.reactor.Poll(c); err != nil {
			c.fatal(fmt.Errorf("reactor poll: %w", err))
		}
	}
	c.teardown()
}

// submit queues fn for the loop goroutine. It reports false when the
// loop has already exited.
func (c *Coordinator) submit(fn func()) bool {
	select {
	case c.cmds <- fn:
	case <-c.loopDone:
		return false
	}
	if err := c.reactor.Wake(); err != nil {
		c.log.Error("multiloop: wake: %v", err)
	}
	return true
}

// call runs fn on the loop goroutine and waits for its error.
func (c *Coordinator) call(fn func() error) error {
	errCh := make(chan error, 1)
	if !c.submit(func() { errCh <- fn() }) {
		return ErrShutdown
	}
	select {
	case err := <-errCh:
		return err
	case <-c.loopDone:
		// The command may still have run right before the loop exited.
		select {
		case err := <-errCh:
			return err
		default:
			return ErrShutdown
		}
	}
}

// OnWake drains and executes pending commands. Reactor callback; do
// not call directly.
func (c *Coordinator) OnWake() {
	for {
		select {
		case fn := <-c.cmds:
			fn()
		default:
			return
		}
	}
}

// OnSocketReady feeds a readiness notification to the engine and
// drains any completions it produced. Reactor callback; do not call
// directly.
func (c *Coordinator) OnSocketReady(fd int, mode IOMode) {
	if c.closing {
		return
	}
	if !c.sockets.watched(fd) {
		// The engine withdrew this descriptor earlier in the same
		// dispatch batch; the readiness is stale.
		return
	}
	var ev engine.EventMask
	if mode&ModeRead != 0 {
		ev |= engine.EventRead
	}
	if mode&ModeWrite != 0 {
		ev |= engine.EventWrite
	}
	if _, err := c.eng.SocketAction(fd, ev); err != nil {
		c.fatal(fmt.Errorf("engine socket action fd %d: %w", fd, err))
		return
	}
	c.drainCompletions()
}

// OnTimerFire feeds the elapsed deadline to the engine and drains any
// completions it produced. The engine may request a fresh deadline
// from inside this call; that request replaces the elapsed one.
// Reactor callback; do not call directly.
func (c *Coordinator) OnTimerFire() {
	if c.closing {
		return
	}
	c.timer.fired()
	if _, err := c.eng.SocketAction(engine.SocketTimeout, 0); err != nil {
		c.fatal(fmt.Errorf("engine timeout action: %w", err))
		return
	}
	c.drainCompletions()
}

// applySocketState is the engine's socket callback. The engine invokes
// it synchronously from inside Add, Remove and SocketAction, which all
// run on the loop goroutine, so it may touch loop-owned state freely.
func (c *Coordinator) applySocketState(fd int, what engine.SocketState) {
	var err error
	switch what {
	case engine.WatchRead:
		err = c.sockets.set(fd, ModeRead)
	case engine.WatchWrite:
		err = c.sockets.set(fd, ModeWrite)
	case engine.WatchReadWrite:
		err = c.sockets.set(fd, ModeRead|ModeWrite)
	case engine.WatchRemove:
		err = c.sockets.clear(fd)
	default:
		c.log.Error("multiloop: engine requested unknown socket state %d for fd %d", int(what), fd)
		return
	}
	if err != nil {
		c.fatal(fmt.Errorf("subscribe fd %d for %v: %w", fd, what, err))
	}
}

// applyTimer is the engine's timer callback. A negative timeout
// cancels the pending deadline; any other value, including zero,
// replaces it.
func (c *Coordinator) applyTimer(timeout time.Duration) {
	var err error
	if timeout < 0 {
		err = c.timer.disarm()
	} else {
		err = c.timer.arm(timeout)
	}
	if err != nil {
		c.fatal(fmt.Errorf("schedule timer %v: %w", timeout, err))
	}
}

// register adds the transfer to the engine and installs its pending
// operation. Loop goroutine only.
func (c *Coordinator) register(t *Transfer, op *PerformOp) error {
	if c.closing {
		return ErrShutdown
	}
	t.mu.Lock()
	if t.state == StateRegistered {
		t.mu.Unlock()
		return ErrAlreadyRegistered
	}
	t.mu.Unlock()

	// The engine may invoke the socket and timer callbacks before Add
	// returns.
	tok, err := c.eng.Add(t.cfg)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.token = tok
	t.op = op
	t.state = StateRegistered
	t.mu.Unlock()
	c.transfers[tok] = t

	// Registration can synchronously queue a completion (e.g. an
	// immediate failure).
	c.drainCompletions()
	return nil
}

// withdraw removes an active registration and resolves its pending
// operation with cause. Loop goroutine only.
func (c *Coordinator) withdraw(t *Transfer, cause error) error {
	if c.closing {
		return ErrShutdown
	}
	t.mu.Lock()
	if t.state != StateRegistered {
		t.mu.Unlock()
		return ErrNotRegistered
	}
	tok := t.token
	op := t.op
	t.token = 0
	t.op = nil
	t.state = StateStopped
	t.mu.Unlock()

	delete(c.transfers, tok)
	// Remove discards any completion the engine had already queued for
	// the token, so a stop that lands first always wins.
	c.eng.Remove(tok)
	op.resolve(engine.Outcome{}, cause)
	return nil
}

// pause forwards the mask to the engine. Loop goroutine only.
func (c *Coordinator) pause(t *Transfer, mask engine.PauseMask) error {
	if c.closing {
		return ErrShutdown
	}
	t.mu.Lock()
	if t.state != StateRegistered {
		t.mu.Unlock()
		return ErrNotRegistered
	}
	tok := t.token
	t.mu.Unlock()
	return c.eng.Pause(tok, mask)
}

// deregister is the cancellation path out of Await. It reports whether
// the registration was still active and has now been withdrawn.
func (c *Coordinator) deregister(t *Transfer, cause error) bool {
	return c.call(func() error { return c.withdraw(t, cause) }) == nil
}

// drainCompletions empties the engine's completion queue, resolving
// each message's transfer. Messages are handled in the order the
// engine reports them. Loop goroutine only; safe to call from inside
// engine callbacks.
func (c *Coordinator) drainCompletions() {
	for {
		msg, ok := c.eng.NextCompletion()
		if !ok {
			return
		}
		t, ok := c.transfers[msg.Token]
		if !ok {
			// A completion for a token we do not track means the
			// coordinator and the engine are out of sync. Drop it
			// loudly instead of guessing.
			c.log.Error("multiloop: completion for unknown token %d", uint64(msg.Token))
			continue
		}
		delete(c.transfers, msg.Token)
		c.eng.Remove(msg.Token)

		t.mu.Lock()
		op := t.op
		t.token = 0
		t.op = nil
		if msg.Err != nil {
			t.state = StateFailed
		} else {
			t.state = StateCompleted
		}
		t.mu.Unlock()
		op.resolve(msg.Outcome, msg.Err)
	}
}

// fatal records an unrecoverable scheduler failure and begins
// shutdown. A registry that can no longer be kept consistent must not
// keep serving transfers.
func (c *Coordinator) fatal(err error) {
	if c.closing {
		return
	}
	c.log.Error("multiloop: fatal: %v", err)
	c.fatalErr = err
	c.closing = true
}

// teardown runs once when the loop exits. It unregisters every active
// transfer, releases all subscriptions, and closes the engine and the
// reactor. The engine is closed only after the last transfer has been
// removed from it.
func (c *Coordinator) teardown() {
	cause := c.fatalErr
	if cause == nil {
		cause = ErrShutdown
	}
	for tok, t := range c.transfers {
		delete(c.transfers, tok)
		c.eng.Remove(tok)

		t.mu.Lock()
		op := t.op
		t.token = 0
		t.op = nil
		t.state = StateStopped
		t.mu.Unlock()
		op.resolve(engine.Outcome{}, cause)
	}
	if err := c.timer.disarm(); err != nil {
		c.log.Error("multiloop: disarm timer at teardown: %v", err)
	}
	c.sockets.clearAll()
	if err := c.eng.Close(); err != nil {
		c.log.Error("multiloop: close engine: %v", err)
	}
	if err := c.reactor.Close(); err != nil {
		c.log.Error("multiloop: close reactor: %v", err)
	}
}

var _ Handler = (*Coordinator)(nil)
