package multiloop_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/warpdl/warpmux/internal/reactor"
	"github.com/warpdl/warpmux/pkg/engine"
	"github.com/warpdl/warpmux/pkg/logger"
	"github.com/warpdl/warpmux/pkg/multiloop"
)

// harness bundles a coordinator with its scripted engine and reactor.
type harness struct {
	eng   *engine.FakeEngine
	r     *reactor.Manual
	log   *logger.MockLogger
	coord *multiloop.Coordinator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		eng: engine.NewFakeEngine(),
		r:   reactor.NewManual(),
		log: logger.NewMockLogger(),
	}
	h.coord = multiloop.NewCoordinator(h.eng, h.r, h.log)
	t.Cleanup(func() { h.coord.Close() })
	return h
}

// sync waits until every event injected so far has been dispatched, by
// round-tripping a command through the loop goroutine.
func (h *harness) sync(t *testing.T) {
	t.Helper()
	err := h.coord.Stop(multiloop.NewTransfer(nil))
	if !errors.Is(err, multiloop.ErrNotRegistered) && !errors.Is(err, multiloop.ErrShutdown) {
		t.Fatalf("sync round-trip: %v", err)
	}
}

func awaitTimeout(t *testing.T, op *multiloop.PerformOp) (engine.Outcome, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := op.Await(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("operation did not resolve in time")
	}
	return out, err
}

func TestPerformResolvesOnCompletion(t *testing.T) {
	h := newHarness(t)
	h.eng.OnAdd = func(tok engine.Token, cfg engine.Config) {
		h.eng.RequestTimer(0)
	}

	tr := multiloop.NewTransfer(engine.Config{"url": "http://a.example/x"})
	op, err := h.coord.Perform(tr)
	if err != nil {
		t.Fatalf("Perform: %v", err)
	}
	if got := tr.State(); got != multiloop.StateRegistered {
		t.Fatalf("state after Perform = %v, want registered", got)
	}
	if _, armed := h.r.TimerArmed(); !armed {
		t.Fatal("registration requested a timer but none is armed")
	}

	h.eng.QueueCompletion(engine.Completion{
		Token:   1,
		Outcome: engine.Outcome{Code: 200, BytesReceived: 42, Proto: "HTTP/1.0"},
	})
	h.r.Fire()

	out, err := awaitTimeout(t, op)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if out.Code != 200 || out.BytesReceived != 42 {
		t.Fatalf("outcome = %+v, want code 200 with 42 bytes", out)
	}
	if got := tr.State(); got != multiloop.StateCompleted {
		t.Fatalf("state after completion = %v, want completed", got)
	}
	if !h.eng.WasRemoved(1) {
		t.Fatal("completed transfer was not removed from the engine")
	}
}

func TestPerformResolvesEngineError(t *testing.T) {
	h := newHarness(t)
	tr := multiloop.NewTransfer(engine.Config{"url": "http://a.example/x"})
	op, err := h.coord.Perform(tr)
	if err != nil {
		t.Fatalf("Perform: %v", err)
	}

	failure := errors.New("connection refused")
	h.eng.QueueCompletion(engine.Completion{Token: 1, Err: failure})
	h.r.Fire()

	_, err = awaitTimeout(t, op)
	if !errors.Is(err, failure) {
		t.Fatalf("Await = %v, want %v", err, failure)
	}
	if got := tr.State(); got != multiloop.StateFailed {
		t.Fatalf("state = %v, want failed", got)
	}
}

func TestPerformRejectedConfig(t *testing.T) {
	h := newHarness(t)
	h.eng.RejectNext = errors.New("unknown option")

	op, err := h.coord.Perform(multiloop.NewTransfer(engine.Config{"bogus": 1}))
	if !errors.Is(err, engine.ErrRejected) {
		t.Fatalf("Perform = %v, want ErrRejected", err)
	}
	if op != nil {
		t.Fatal("a rejected Perform must not produce an operation")
	}
}

func TestPerformWhileRegistered(t *testing.T) {
	h := newHarness(t)
	tr := multiloop.NewTransfer(engine.Config{"url": "http://a.example/x"})
	if _, err := h.coord.Perform(tr); err != nil {
		t.Fatalf("Perform: %v", err)
	}
	if _, err := h.coord.Perform(tr); !errors.Is(err, multiloop.ErrAlreadyRegistered) {
		t.Fatalf("second Perform = %v, want ErrAlreadyRegistered", err)
	}
}

func TestStopResolvesWithErrStopped(t *testing.T) {
	h := newHarness(t)
	tr1 := multiloop.NewTransfer(engine.Config{"url": "http://a.example/1"})
	tr2 := multiloop.NewTransfer(engine.Config{"url": "http://a.example/2"})
	op1, err := h.coord.Perform(tr1)
	if err != nil {
		t.Fatalf("Perform 1: %v", err)
	}
	op2, err := h.coord.Perform(tr2)
	if err != nil {
		t.Fatalf("Perform 2: %v", err)
	}

	if err := h.coord.Stop(tr1); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := awaitTimeout(t, op1); !errors.Is(err, multiloop.ErrStopped) {
		t.Fatalf("Await stopped = %v, want ErrStopped", err)
	}
	if got := tr1.State(); got != multiloop.StateStopped {
		t.Fatalf("state = %v, want stopped", got)
	}
	if !h.eng.WasRemoved(1) {
		t.Fatal("stopped transfer was not removed from the engine")
	}

	// The sibling is unaffected and still completes normally.
	h.eng.QueueCompletion(engine.Completion{Token: 2, Outcome: engine.Outcome{Code: 200}})
	h.r.Fire()
	out, err := awaitTimeout(t, op2)
	if err != nil || out.Code != 200 {
		t.Fatalf("sibling Await = %+v, %v; want code 200", out, err)
	}
}

func TestStopNotRegistered(t *testing.T) {
	h := newHarness(t)
	if err := h.coord.Stop(multiloop.NewTransfer(nil)); !errors.Is(err, multiloop.ErrNotRegistered) {
		t.Fatalf("Stop idle = %v, want ErrNotRegistered", err)
	}
}

func TestStopWinsOverQueuedCompletion(t *testing.T) {
	h := newHarness(t)
	tr := multiloop.NewTransfer(engine.Config{"url": "http://a.example/x"})
	op, err := h.coord.Perform(tr)
	if err != nil {
		t.Fatalf("Perform: %v", err)
	}

	// The completion is already queued inside the engine, but no event
	// has delivered it yet when the stop lands.
	h.eng.QueueCompletion(engine.Completion{Token: 1, Outcome: engine.Outcome{Code: 200}})
	if err := h.coord.Stop(tr); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := awaitTimeout(t, op); !errors.Is(err, multiloop.ErrStopped) {
		t.Fatalf("Await = %v, want ErrStopped", err)
	}

	// Later events must not resurrect the discarded completion.
	h.r.Fire()
	h.sync(t)
	if calls := h.log.ErrorCalls(); len(calls) != 0 {
		t.Fatalf("unexpected error logs after stop: %v", calls)
	}
}

func TestAwaitCancelWithdrawsRegistration(t *testing.T) {
	h := newHarness(t)
	tr := multiloop.NewTransfer(engine.Config{"url": "http://a.example/x"})
	op, err := h.coord.Perform(tr)
	if err != nil {
		t.Fatalf("Perform: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := op.Await(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Await = %v, want context.Canceled", err)
	}
	// By the time Await returned the token must already be gone from
	// the engine.
	if !h.eng.WasRemoved(1) {
		t.Fatal("cancelled transfer still registered in the engine")
	}
	if got := tr.State(); got != multiloop.StateStopped {
		t.Fatalf("state = %v, want stopped", got)
	}
}

func TestAwaitCancelAfterResolutionReturnsResult(t *testing.T) {
	h := newHarness(t)
	tr := multiloop.NewTransfer(engine.Config{"url": "http://a.example/x"})
	op, err := h.coord.Perform(tr)
	if err != nil {
		t.Fatalf("Perform: %v", err)
	}

	h.eng.QueueCompletion(engine.Completion{Token: 1, Outcome: engine.Outcome{Code: 204}})
	h.r.Fire()
	h.sync(t)

	// The operation resolved before the caller's context was cancelled;
	// the resolution wins.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, err := op.Await(ctx)
	if err != nil {
		t.Fatalf("Await = %v, want resolved outcome", err)
	}
	if out.Code != 204 {
		t.Fatalf("outcome code = %d, want 204", out.Code)
	}
}

func TestAwaitTwice(t *testing.T) {
	h := newHarness(t)
	tr := multiloop.NewTransfer(engine.Config{"url": "http://a.example/x"})
	op, err := h.coord.Perform(tr)
	if err != nil {
		t.Fatalf("Perform: %v", err)
	}
	h.eng.QueueCompletion(engine.Completion{Token: 1, Outcome: engine.Outcome{Code: 200}})
	h.r.Fire()

	if _, err := awaitTimeout(t, op); err != nil {
		t.Fatalf("first Await: %v", err)
	}
	if _, err := op.Await(context.Background()); !errors.Is(err, multiloop.ErrAlreadyCompleted) {
		t.Fatalf("second Await = %v, want ErrAlreadyCompleted", err)
	}
}

func TestReperformAfterCompletion(t *testing.T) {
	h := newHarness(t)
	tr := multiloop.NewTransfer(engine.Config{"url": "http://a.example/x"})
	op, err := h.coord.Perform(tr)
	if err != nil {
		t.Fatalf("Perform: %v", err)
	}
	h.eng.QueueCompletion(engine.Completion{Token: 1, Outcome: engine.Outcome{Code: 200}})
	h.r.Fire()
	if _, err := awaitTimeout(t, op); err != nil {
		t.Fatalf("Await: %v", err)
	}

	// A terminal handle may be performed again; the new run gets its
	// own token and operation.
	op2, err := h.coord.Perform(tr)
	if err != nil {
		t.Fatalf("re-Perform: %v", err)
	}
	h.eng.QueueCompletion(engine.Completion{Token: 2, Outcome: engine.Outcome{Code: 304}})
	h.r.Fire()
	out, err := awaitTimeout(t, op2)
	if err != nil || out.Code != 304 {
		t.Fatalf("second run = %+v, %v; want code 304", out, err)
	}
}

func TestSocketInterestReplacesNotAccumulates(t *testing.T) {
	h := newHarness(t)
	h.eng.OnAdd = func(tok engine.Token, cfg engine.Config) {
		h.eng.RequestSocket(5, engine.WatchRead)
	}
	if _, err := h.coord.Perform(multiloop.NewTransfer(engine.Config{"url": "http://a.example/x"})); err != nil {
		t.Fatalf("Perform: %v", err)
	}
	if mode, ok := h.r.Watched(5); !ok || mode != multiloop.ModeRead {
		t.Fatalf("watched(5) = %v, %v; want read", mode, ok)
	}

	// Readiness makes the engine flip interest to write: the old read
	// subscription is replaced, never kept alongside.
	h.eng.OnSocketAction = func(fd int, ev engine.EventMask) {
		h.eng.RequestSocket(5, engine.WatchWrite)
	}
	h.r.Ready(5, multiloop.ModeRead)
	h.sync(t)

	if mode, ok := h.r.Watched(5); !ok || mode != multiloop.ModeWrite {
		t.Fatalf("watched(5) = %v, %v; want write", mode, ok)
	}
	if n := h.r.WatchedCount(); n != 1 {
		t.Fatalf("subscriptions = %d, want exactly 1", n)
	}
}

func TestSocketRemoveThenStaleReadiness(t *testing.T) {
	h := newHarness(t)
	h.eng.OnAdd = func(tok engine.Token, cfg engine.Config) {
		h.eng.RequestSocket(5, engine.WatchRead)
	}
	if _, err := h.coord.Perform(multiloop.NewTransfer(engine.Config{"url": "http://a.example/x"})); err != nil {
		t.Fatalf("Perform: %v", err)
	}

	// First readiness: the engine drops the descriptor. The second one
	// was already in flight and must be swallowed, not fed back.
	var actions int
	h.eng.OnSocketAction = func(fd int, ev engine.EventMask) {
		actions++
		h.eng.RequestSocket(5, engine.WatchRemove)
	}
	h.r.Ready(5, multiloop.ModeRead)
	h.r.Ready(5, multiloop.ModeRead)
	h.sync(t)

	if actions != 1 {
		t.Fatalf("engine saw %d socket actions, want 1 (second readiness is stale)", actions)
	}
	if n := h.r.WatchedCount(); n != 0 {
		t.Fatalf("subscriptions = %d, want 0 after remove", n)
	}
}

func TestTimerReplaceAndCancel(t *testing.T) {
	h := newHarness(t)
	h.eng.OnAdd = func(tok engine.Token, cfg engine.Config) {
		h.eng.RequestTimer(100 * time.Millisecond)
		h.eng.RequestTimer(30 * time.Millisecond) // replaces, does not stack
	}
	if _, err := h.coord.Perform(multiloop.NewTransfer(engine.Config{"url": "http://a.example/x"})); err != nil {
		t.Fatalf("Perform: %v", err)
	}
	if d, armed := h.r.TimerArmed(); !armed || d != 30*time.Millisecond {
		t.Fatalf("armed = %v %v, want 30ms", d, armed)
	}

	// A negative timeout cancels the pending deadline.
	h.eng.OnSocketAction = func(fd int, ev engine.EventMask) {
		h.eng.RequestTimer(-1)
	}
	h.r.Fire()
	h.sync(t)
	if _, armed := h.r.TimerArmed(); armed {
		t.Fatal("timer still armed after cancel request")
	}
}

func TestUnsubscribeAndTimerCancelAreIdempotent(t *testing.T) {
	h := newHarness(t)
	h.eng.OnAdd = func(tok engine.Token, cfg engine.Config) {
		h.eng.RequestSocket(5, engine.WatchRead)
		h.eng.RequestTimer(50 * time.Millisecond)
	}
	tr := multiloop.NewTransfer(engine.Config{"url": "http://a.example/x"})
	op, err := h.coord.Perform(tr)
	if err != nil {
		t.Fatalf("Perform: %v", err)
	}

	// The engine withdraws the descriptor and cancels the timer twice
	// over. The duplicates must be absorbed, not forwarded.
	h.eng.OnSocketAction = func(fd int, ev engine.EventMask) {
		h.eng.RequestSocket(5, engine.WatchRemove)
		h.eng.RequestSocket(5, engine.WatchRemove)
		h.eng.RequestTimer(-1)
		h.eng.RequestTimer(-1)
	}
	h.r.Ready(5, multiloop.ModeRead)
	h.sync(t)

	if n := h.r.WatchedCount(); n != 0 {
		t.Fatalf("subscriptions = %d, want 0", n)
	}
	if _, armed := h.r.TimerArmed(); armed {
		t.Fatal("timer still armed after cancel")
	}
	if calls := h.log.ErrorCalls(); len(calls) != 0 {
		t.Fatalf("duplicate withdrawals were treated as errors: %v", calls)
	}

	// The coordinator is still healthy and the transfer still resolves.
	h.eng.OnSocketAction = nil
	h.eng.QueueCompletion(engine.Completion{Token: 1, Outcome: engine.Outcome{Code: 200}})
	h.r.Fire()
	out, err := awaitTimeout(t, op)
	if err != nil || out.Code != 200 {
		t.Fatalf("Await = %+v, %v; want code 200", out, err)
	}
}

func TestUnknownCompletionTokenIsLoggedAndDropped(t *testing.T) {
	h := newHarness(t)
	tr := multiloop.NewTransfer(engine.Config{"url": "http://a.example/x"})
	op, err := h.coord.Perform(tr)
	if err != nil {
		t.Fatalf("Perform: %v", err)
	}

	h.eng.QueueCompletion(engine.Completion{Token: 999, Outcome: engine.Outcome{Code: 200}})
	h.eng.QueueCompletion(engine.Completion{Token: 1, Outcome: engine.Outcome{Code: 200}})
	h.r.Fire()

	// The known completion behind the bogus one still resolves.
	if _, err := awaitTimeout(t, op); err != nil {
		t.Fatalf("Await: %v", err)
	}
	var logged bool
	for _, msg := range h.log.ErrorCalls() {
		if strings.Contains(msg, "unknown token") {
			logged = true
		}
	}
	if !logged {
		t.Fatalf("unknown-token completion was not logged: %v", h.log.ErrorCalls())
	}
}

func TestPauseResumeForwardMasks(t *testing.T) {
	h := newHarness(t)
	tr := multiloop.NewTransfer(engine.Config{"url": "http://a.example/x"})
	op, err := h.coord.Perform(tr)
	if err != nil {
		t.Fatalf("Perform: %v", err)
	}

	if err := h.coord.Pause(tr, engine.PauseRecv); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	// Pausing leaves the handle registered and the operation pending.
	if got := tr.State(); got != multiloop.StateRegistered {
		t.Fatalf("state after pause = %v, want registered", got)
	}
	select {
	case <-op.Done():
		t.Fatal("pause must not resolve the operation")
	default:
	}

	if err := h.coord.Resume(tr); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	want := []engine.PauseCall{
		{Token: 1, Mask: engine.PauseRecv},
		{Token: 1, Mask: engine.PauseNone},
	}
	if len(h.eng.PauseCalls) != len(want) {
		t.Fatalf("pause calls = %v, want %v", h.eng.PauseCalls, want)
	}
	for i, call := range h.eng.PauseCalls {
		if call != want[i] {
			t.Fatalf("pause call %d = %v, want %v", i, call, want[i])
		}
	}

	if err := h.coord.Pause(multiloop.NewTransfer(nil), engine.PauseAll); !errors.Is(err, multiloop.ErrNotRegistered) {
		t.Fatalf("Pause idle = %v, want ErrNotRegistered", err)
	}
}

func TestCloseResolvesPendingWithErrShutdown(t *testing.T) {
	h := newHarness(t)
	tr := multiloop.NewTransfer(engine.Config{"url": "http://a.example/x"})
	op, err := h.coord.Perform(tr)
	if err != nil {
		t.Fatalf("Perform: %v", err)
	}

	if err := h.coord.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := awaitTimeout(t, op); !errors.Is(err, multiloop.ErrShutdown) {
		t.Fatalf("Await after close = %v, want ErrShutdown", err)
	}
	if !h.eng.WasRemoved(1) {
		t.Fatal("pending transfer not removed from engine at shutdown")
	}
	if !h.eng.Closed {
		t.Fatal("engine not closed at shutdown")
	}
	if n := h.r.WatchedCount(); n != 0 {
		t.Fatalf("subscriptions = %d after close, want 0", n)
	}

	// Closed coordinators refuse new work.
	if _, err := h.coord.Perform(multiloop.NewTransfer(nil)); !errors.Is(err, multiloop.ErrShutdown) {
		t.Fatalf("Perform after close = %v, want ErrShutdown", err)
	}
	// Close is idempotent.
	if err := h.coord.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestSocketActionFailureIsFatal(t *testing.T) {
	h := newHarness(t)
	h.eng.OnAdd = func(tok engine.Token, cfg engine.Config) {
		h.eng.RequestSocket(5, engine.WatchRead)
	}
	tr := multiloop.NewTransfer(engine.Config{"url": "http://a.example/x"})
	op, err := h.coord.Perform(tr)
	if err != nil {
		t.Fatalf("Perform: %v", err)
	}

	boom := errors.New("engine corrupted")
	h.eng.SocketActionErr = boom
	h.r.Ready(5, multiloop.ModeRead)

	// The failure tears the coordinator down and resolves every pending
	// operation with it.
	if _, err := awaitTimeout(t, op); !errors.Is(err, boom) {
		t.Fatalf("Await = %v, want %v", err, boom)
	}
	if err := h.coord.Close(); !errors.Is(err, boom) {
		t.Fatalf("Close = %v, want the fatal error", err)
	}
}
