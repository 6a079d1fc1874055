//go:build linux

package reactor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/warpdl/warpmux/pkg/multiloop"
)

// Epoll is the production reactor: readiness via epoll, the single
// one-shot deadline via a timerfd, and cross-goroutine wakeups via an
// eventfd. All methods except Wake must be called from the goroutine
// that runs Poll.
type Epoll struct {
	epfd    int
	wakefd  int
	timerfd int
	events  []unix.EpollEvent
}

// New creates an epoll reactor.
func New() (multiloop.Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	timerfd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC|unix.TFD_NONBLOCK)
	if err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, fmt.Errorf("timerfd_create: %w", err)
	}
	r := &Epoll{
		epfd:    epfd,
		wakefd:  wakefd,
		timerfd: timerfd,
		events:  make([]unix.EpollEvent, 64),
	}
	for _, fd := range []int{wakefd, timerfd} {
		ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
		if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
			r.Close()
			return nil, fmt.Errorf("epoll_ctl add fd %d: %w", fd, err)
		}
	}
	return r, nil
}

// Watch subscribes fd for mode, replacing any existing subscription.
func (r *Epoll) Watch(fd int, mode multiloop.IOMode) error {
	var events uint32
	if mode&multiloop.ModeRead != 0 {
		events |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if mode&multiloop.ModeWrite != 0 {
		events |= unix.EPOLLOUT
	}
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
	if errors.Is(err, unix.ENOENT) {
		err = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
	}
	if err != nil {
		return fmt.Errorf("epoll_ctl fd %d: %w", fd, err)
	}
	return nil
}

// Unwatch drops the subscription for fd. Unknown descriptors are a
// no-op.
func (r *Epoll) Unwatch(fd int) error {
	err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err == nil || errors.Is(err, unix.ENOENT) || errors.Is(err, unix.EBADF) {
		return nil
	}
	return fmt.Errorf("epoll_ctl del fd %d: %w", fd, err)
}

// ArmTimer schedules the one-shot deadline, replacing any armed one.
func (r *Epoll) ArmTimer(d time.Duration) error {
	if d <= 0 {
		// timerfd treats an all-zero value as disarm; the smallest
		// positive value fires on the next tick.
		d = time.Nanosecond
	}
	spec := unix.ItimerSpec{Value: unix.NsecToTimespec(d.Nanoseconds())}
	if err := unix.TimerfdSettime(r.timerfd, 0, &spec, nil); err != nil {
		return fmt.Errorf("timerfd_settime: %w", err)
	}
	return nil
}

// DisarmTimer cancels the pending deadline.
func (r *Epoll) DisarmTimer() error {
	var spec unix.ItimerSpec
	if err := unix.TimerfdSettime(r.timerfd, 0, &spec, nil); err != nil {
		return fmt.Errorf("timerfd_settime: %w", err)
	}
	return nil
}

// Wake makes the current or next Poll dispatch OnWake. Safe from any
// goroutine.
func (r *Epoll) Wake() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(r.wakefd, buf[:])
	if err == nil || errors.Is(err, unix.EAGAIN) {
		// EAGAIN means the counter is saturated; a wake is already
		// pending.
		return nil
	}
	return fmt.Errorf("eventfd write: %w", err)
}

// Poll blocks in epoll_wait until at least one event is available and
// dispatches the batch to h.
func (r *Epoll) Poll(h multiloop.Handler) error {
	var n int
	var err error
	for {
		n, err = unix.EpollWait(r.epfd, r.events, -1)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return fmt.Errorf("epoll_wait: %w", err)
		}
		break
	}
	for i := 0; i < n; i++ {
		ev := r.events[i]
		fd := int(ev.Fd)
		switch fd {
		case r.wakefd:
			r.drainCounter(r.wakefd)
			h.OnWake()
		case r.timerfd:
			r.drainCounter(r.timerfd)
			h.OnTimerFire()
		default:
			var mode multiloop.IOMode
			if ev.Events&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLPRI) != 0 {
				mode |= multiloop.ModeRead
			}
			if ev.Events&unix.EPOLLOUT != 0 {
				mode |= multiloop.ModeWrite
			}
			if ev.Events&unix.EPOLLERR != 0 {
				// Let the engine discover the error through its own
				// read or write attempt.
				mode |= multiloop.ModeRead | multiloop.ModeWrite
			}
			if mode != 0 {
				h.OnSocketReady(fd, mode)
			}
		}
	}
	return nil
}

// drainCounter empties an eventfd or timerfd expiration counter.
func (r *Epoll) drainCounter(fd int) {
	var buf [8]byte
	for {
		if _, err := unix.Read(fd, buf[:]); err != nil {
			return
		}
	}
}

// Close releases the reactor's descriptors.
func (r *Epoll) Close() error {
	var firstErr error
	for _, fd := range []int{r.timerfd, r.wakefd, r.epfd} {
		if fd <= 0 {
			continue
		}
		if err := unix.Close(fd); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.timerfd, r.wakefd, r.epfd = -1, -1, -1
	return firstErr
}

var _ multiloop.Reactor = (*Epoll)(nil)
