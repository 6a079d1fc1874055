package reactor

import (
	"sync"
	"time"

	"github.com/warpdl/warpmux/pkg/multiloop"
)

type manualEventKind int

const (
	manualWake manualEventKind = iota
	manualTimer
	manualSocket
)

type manualEvent struct {
	kind manualEventKind
	fd   int
	mode multiloop.IOMode
}

// Manual is a deterministic reactor for tests. It performs no real
// I/O: readiness and timer events are injected with Ready and Fire and
// dispatched by the next Poll in injection order, so a test fully
// controls the sequence the coordinator observes.
type Manual struct {
	mu      sync.Mutex
	queue   []manualEvent
	notify  chan struct{}
	watched map[int]multiloop.IOMode
	armed   bool
	timeout time.Duration
	closed  bool
}

// NewManual creates an empty Manual reactor.
func NewManual() *Manual {
	return &Manual{
		notify:  make(chan struct{}, 1),
		watched: make(map[int]multiloop.IOMode),
	}
}

// Watch records the subscription, replacing any previous one.
func (m *Manual) Watch(fd int, mode multiloop.IOMode) error {
	m.mu.Lock()
	m.watched[fd] = mode
	m.mu.Unlock()
	return nil
}

// Unwatch drops the subscription if present.
func (m *Manual) Unwatch(fd int) error {
	m.mu.Lock()
	delete(m.watched, fd)
	m.mu.Unlock()
	return nil
}

// ArmTimer records the deadline, replacing any armed one.
func (m *Manual) ArmTimer(d time.Duration) error {
	m.mu.Lock()
	m.armed = true
	m.timeout = d
	m.mu.Unlock()
	return nil
}

// DisarmTimer clears the armed deadline.
func (m *Manual) DisarmTimer() error {
	m.mu.Lock()
	m.armed = false
	m.mu.Unlock()
	return nil
}

// Wake queues a wake event. Safe from any goroutine.
func (m *Manual) Wake() error {
	m.push(manualEvent{kind: manualWake})
	return nil
}

// Ready queues a readiness event for fd. The event is delivered even
// if fd is no longer watched, mimicking a notification that was
// already in flight when the subscription was dropped.
func (m *Manual) Ready(fd int, mode multiloop.IOMode) {
	m.push(manualEvent{kind: manualSocket, fd: fd, mode: mode})
}

// Fire queues a timer event and clears the armed deadline.
func (m *Manual) Fire() {
	m.mu.Lock()
	m.armed = false
	m.mu.Unlock()
	m.push(manualEvent{kind: manualTimer})
}

// Watched returns the recorded subscription for fd.
func (m *Manual) Watched(fd int) (multiloop.IOMode, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mode, ok := m.watched[fd]
	return mode, ok
}

// WatchedCount returns the number of active subscriptions.
func (m *Manual) WatchedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.watched)
}

// TimerArmed returns the armed deadline, if any.
func (m *Manual) TimerArmed() (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timeout, m.armed
}

// Poll blocks until at least one injected event is available and
// dispatches the whole queue to h in order.
func (m *Manual) Poll(h multiloop.Handler) error {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return ErrClosed
		}
		if len(m.queue) > 0 {
			batch := m.queue
			m.queue = nil
			m.mu.Unlock()
			for _, ev := range batch {
				switch ev.kind {
				case manualWake:
					h.OnWake()
				case manualTimer:
					h.OnTimerFire()
				case manualSocket:
					h.OnSocketReady(ev.fd, ev.mode)
				}
			}
			return nil
		}
		m.mu.Unlock()
		<-m.notify
	}
}

// Close unblocks Poll and rejects further events.
func (m *Manual) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
	return nil
}

func (m *Manual) push(ev manualEvent) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.queue = append(m.queue, ev)
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

var _ multiloop.Reactor = (*Manual)(nil)
