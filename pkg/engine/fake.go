package engine

import (
	"fmt"
	"sync"
	"time"
)

// FakeEngine is a scripted Engine for tests. It records every call and
// exposes the installed callbacks so a test (or a hook running inside
// an engine call) can drive descriptor interest, timer requests and
// completions deterministically.
//
// Hooks run synchronously inside the engine call that triggers them,
// which is exactly how a real engine behaves: they may call
// RequestSocket, RequestTimer and QueueCompletion reentrantly.
type FakeEngine struct {
	mu sync.Mutex

	nextToken Token
	socketFn  SocketFunc
	timerFn   TimerFunc
	queue     []Completion

	// Added records every successfully registered config by token.
	Added map[Token]Config
	// Removed records tokens in removal order.
	Removed []Token
	// PauseCalls records every Pause invocation.
	PauseCalls []PauseCall
	// Running is the count SocketAction reports.
	Running int
	// Closed reports whether Close was called.
	Closed bool

	// RejectNext, when non-nil, fails the next Add with this error.
	RejectNext error
	// SocketActionErr, when non-nil, fails every SocketAction.
	SocketActionErr error

	// OnAdd runs inside Add after the token is assigned.
	OnAdd func(tok Token, cfg Config)
	// OnRemove runs inside Remove after the queue purge.
	OnRemove func(tok Token)
	// OnSocketAction runs inside SocketAction.
	OnSocketAction func(fd int, ev EventMask)
}

// PauseCall records a single Pause invocation.
type PauseCall struct {
	Token Token
	Mask  PauseMask
}

// NewFakeEngine creates an empty FakeEngine.
func NewFakeEngine() *FakeEngine {
	return &FakeEngine{
		nextToken: 1,
		Added:     make(map[Token]Config),
	}
}

// Add assigns the next token, records the config and runs OnAdd.
func (f *FakeEngine) Add(cfg Config) (Token, error) {
	f.mu.Lock()
	if f.RejectNext != nil {
		err := f.RejectNext
		f.RejectNext = nil
		f.mu.Unlock()
		return 0, fmt.Errorf("%w: %w", ErrRejected, err)
	}
	tok := f.nextToken
	f.nextToken++
	f.Added[tok] = cfg
	hook := f.OnAdd
	f.mu.Unlock()
	if hook != nil {
		hook(tok, cfg)
	}
	return tok, nil
}

// Remove records the token and discards its queued completions.
func (f *FakeEngine) Remove(tok Token) {
	f.mu.Lock()
	f.Removed = append(f.Removed, tok)
	delete(f.Added, tok)
	kept := f.queue[:0]
	for _, c := range f.queue {
		if c.Token != tok {
			kept = append(kept, c)
		}
	}
	f.queue = kept
	hook := f.OnRemove
	f.mu.Unlock()
	if hook != nil {
		hook(tok)
	}
}

// SocketAction runs the OnSocketAction hook and reports Running.
func (f *FakeEngine) SocketAction(fd int, ev EventMask) (int, error) {
	f.mu.Lock()
	err := f.SocketActionErr
	hook := f.OnSocketAction
	running := f.Running
	f.mu.Unlock()
	if err != nil {
		return 0, err
	}
	if hook != nil {
		hook(fd, ev)
	}
	return running, nil
}

// SetSocketFunc installs the descriptor-interest callback.
func (f *FakeEngine) SetSocketFunc(fn SocketFunc) {
	f.mu.Lock()
	f.socketFn = fn
	f.mu.Unlock()
}

// SetTimerFunc installs the timer-request callback.
func (f *FakeEngine) SetTimerFunc(fn TimerFunc) {
	f.mu.Lock()
	f.timerFn = fn
	f.mu.Unlock()
}

// NextCompletion pops the oldest queued completion.
func (f *FakeEngine) NextCompletion() (Completion, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return Completion{}, false
	}
	c := f.queue[0]
	f.queue = f.queue[1:]
	return c, true
}

// Pause records the call. Pausing a token that was never added (or was
// removed) fails with ErrUnknownToken.
func (f *FakeEngine) Pause(tok Token, mask PauseMask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Added[tok]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownToken, tok)
	}
	f.PauseCalls = append(f.PauseCalls, PauseCall{Token: tok, Mask: mask})
	return nil
}

// Close marks the engine closed.
func (f *FakeEngine) Close() error {
	f.mu.Lock()
	f.Closed = true
	f.mu.Unlock()
	return nil
}

// RequestSocket invokes the installed socket callback, as a real
// engine would from inside one of its calls.
func (f *FakeEngine) RequestSocket(fd int, what SocketState) {
	f.mu.Lock()
	fn := f.socketFn
	f.mu.Unlock()
	if fn != nil {
		fn(fd, what)
	}
}

// RequestTimer invokes the installed timer callback.
func (f *FakeEngine) RequestTimer(timeout time.Duration) {
	f.mu.Lock()
	fn := f.timerFn
	f.mu.Unlock()
	if fn != nil {
		fn(timeout)
	}
}

// QueueCompletion appends a completion for NextCompletion to return.
func (f *FakeEngine) QueueCompletion(c Completion) {
	f.mu.Lock()
	f.queue = append(f.queue, c)
	f.mu.Unlock()
}

// RemovedCount returns how many times Remove was called.
func (f *FakeEngine) RemovedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Removed)
}

// WasRemoved reports whether Remove was called for the token.
func (f *FakeEngine) WasRemoved(tok Token) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.Removed {
		if r == tok {
			return true
		}
	}
	return false
}

var _ Engine = (*FakeEngine)(nil)
