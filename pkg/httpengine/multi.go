//go:build unix

// Package httpengine is a reference multi-transfer engine speaking
// plain HTTP over non-blocking sockets. It exists so warpmux is usable
// end to end without an external transfer library; it is deliberately
// small: GET/HEAD style requests, Content-Length or close-delimited
// bodies, no TLS, no redirects. Production deployments are expected to
// plug in a full-featured engine behind the same interface. Targets
// are resolved to IPv4; IPv6-only hosts fail at resolve time.
//
// The engine is not safe for concurrent use. The multiloop coordinator
// calls every method from its single loop goroutine, which is the
// supported way to drive it.
package httpengine

import (
	"fmt"
	"time"

	"github.com/warpdl/warpmux/pkg/engine"
	"github.com/warpdl/warpmux/pkg/logger"
)

// Multi drives any number of concurrent HTTP transfers over
// non-blocking sockets, reporting descriptor interest and timer
// requests through the callbacks of the engine contract.
type Multi struct {
	log logger.Logger

	nextTok   engine.Token
	transfers map[engine.Token]*transfer
	bySocket  map[int]*transfer
	pending   []*transfer
	queue     []engine.Completion

	socketFn engine.SocketFunc
	timerFn  engine.TimerFunc

	closed bool
}

// New creates an empty engine. The logger may be nil.
func New(l logger.Logger) *Multi {
	if l == nil {
		l = logger.NewNopLogger()
	}
	return &Multi{
		log:       l,
		nextTok:   1,
		transfers: make(map[engine.Token]*transfer),
		bySocket:  make(map[int]*transfer),
	}
}

// Add validates cfg and registers a new transfer. The transfer does
// not touch the network here; the engine requests an immediate timer
// and opens the connection on the resulting timeout action, so Add
// never blocks on I/O.
func (m *Multi) Add(cfg engine.Config) (engine.Token, error) {
	if m.closed {
		return 0, engine.ErrClosed
	}
	req, err := parseConfig(cfg)
	if err != nil {
		return 0, err
	}
	tok := m.nextTok
	m.nextTok++
	t := &transfer{tok: tok, req: req, fd: -1, state: xferPending}
	m.transfers[tok] = t
	m.pending = append(m.pending, t)
	m.requestTimer(0)
	return tok, nil
}

// Remove unregisters a transfer, closing its socket and discarding any
// queued completion for it. Unknown tokens are a no-op.
func (m *Multi) Remove(tok engine.Token) {
	t, ok := m.transfers[tok]
	if !ok {
		return
	}
	m.closeSocket(t)
	delete(m.transfers, tok)
	for i, p := range m.pending {
		if p == t {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			break
		}
	}
	kept := m.queue[:0]
	for _, c := range m.queue {
		if c.Token != tok {
			kept = append(kept, c)
		}
	}
	m.queue = kept
}

// SocketAction advances the transfer owning fd, or, for
// engine.SocketTimeout, starts pending transfers and expires stale
// connects. A descriptor the engine no longer tracks is a no-op.
func (m *Multi) SocketAction(fd int, ev engine.EventMask) (int, error) {
	if m.closed {
		return 0, engine.ErrClosed
	}
	if fd == engine.SocketTimeout {
		m.startPending()
		m.expireConnects()
	} else if t, ok := m.bySocket[fd]; ok {
		m.advance(t, ev)
	}
	return m.running(), nil
}

// SetSocketFunc installs the descriptor-interest callback.
func (m *Multi) SetSocketFunc(fn engine.SocketFunc) {
	m.socketFn = fn
}

// SetTimerFunc installs the timer-request callback.
func (m *Multi) SetTimerFunc(fn engine.TimerFunc) {
	m.timerFn = fn
}

// NextCompletion pops the oldest queued completion.
func (m *Multi) NextCompletion() (engine.Completion, bool) {
	if len(m.queue) == 0 {
		return engine.Completion{}, false
	}
	c := m.queue[0]
	m.queue = m.queue[1:]
	return c, true
}

// Pause applies mask to a transfer's descriptor interest. A paused
// direction keeps its socket open but stops producing readiness
// activity until resumed.
func (m *Multi) Pause(tok engine.Token, mask engine.PauseMask) error {
	t, ok := m.transfers[tok]
	if !ok {
		return fmt.Errorf("%w: %d", engine.ErrUnknownToken, tok)
	}
	t.paused = mask
	m.applyInterest(t)
	return nil
}

// Close aborts every registered transfer and releases all sockets.
func (m *Multi) Close() error {
	if m.closed {
		return nil
	}
	for tok := range m.transfers {
		m.Remove(tok)
	}
	m.requestTimer(-1)
	m.closed = true
	return nil
}

// running counts transfers that have not completed yet.
func (m *Multi) running() int {
	n := 0
	for _, t := range m.transfers {
		if t.state != xferDone {
			n++
		}
	}
	return n
}

func (m *Multi) requestSocket(fd int, what engine.SocketState) {
	if m.socketFn != nil {
		m.socketFn(fd, what)
	}
}

func (m *Multi) requestTimer(d time.Duration) {
	if m.timerFn != nil {
		m.timerFn(d)
	}
}

// complete finishes a transfer and queues its completion message. The
// socket is released immediately; the transfer entry itself stays
// until Remove.
func (m *Multi) complete(t *transfer, err error) {
	if t.state == xferDone {
		return
	}
	m.closeSocket(t)
	t.state = xferDone
	c := engine.Completion{Token: t.tok, Err: err}
	if err == nil {
		c.Outcome = engine.Outcome{
			Code:          t.status,
			BytesReceived: t.received,
			Proto:         t.proto,
		}
	}
	m.queue = append(m.queue, c)
	m.scheduleConnectDeadline()
}

// applyInterest reconciles the descriptor interest of t with its state
// and pause mask.
func (m *Multi) applyInterest(t *transfer) {
	if t.fd < 0 {
		return
	}
	var want engine.SocketState
	switch t.state {
	case xferConnecting:
		want = engine.WatchWrite
	case xferSending:
		if t.paused&engine.PauseSend == 0 {
			want = engine.WatchWrite
		}
	case xferReceiving:
		if t.paused&engine.PauseRecv == 0 {
			want = engine.WatchRead
		}
	}
	if want == 0 {
		m.requestSocket(t.fd, engine.WatchRemove)
		return
	}
	m.requestSocket(t.fd, want)
}

var _ engine.Engine = (*Multi)(nil)
