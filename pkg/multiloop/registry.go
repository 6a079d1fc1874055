package multiloop

import "time"

// socketRegistry mirrors the engine's descriptor interest into the
// reactor. It guarantees replace-not-accumulate: a descriptor carries
// at most one subscription, and that subscription is exactly the
// engine's most recent request for it.
type socketRegistry struct {
	reactor Reactor
	want    map[int]IOMode
}

func newSocketRegistry(r Reactor) socketRegistry {
	return socketRegistry{reactor: r, want: make(map[int]IOMode)}
}

// set subscribes fd for exactly mode, replacing any previous
// subscription for the same descriptor.
func (sr *socketRegistry) set(fd int, mode IOMode) error {
	if cur, ok := sr.want[fd]; ok && cur == mode {
		return nil
	}
	if err := sr.reactor.Watch(fd, mode); err != nil {
		return err
	}
	sr.want[fd] = mode
	return nil
}

// clear drops the subscription for fd. Clearing a descriptor that is
// not subscribed is a no-op.
func (sr *socketRegistry) clear(fd int) error {
	if _, ok := sr.want[fd]; !ok {
		return nil
	}
	delete(sr.want, fd)
	return sr.reactor.Unwatch(fd)
}

// watched reports whether fd currently has a subscription.
func (sr *socketRegistry) watched(fd int) bool {
	_, ok := sr.want[fd]
	return ok
}

// clearAll drops every subscription. Used at teardown.
func (sr *socketRegistry) clearAll() {
	for fd := range sr.want {
		_ = sr.reactor.Unwatch(fd)
		delete(sr.want, fd)
	}
}

// timerLine tracks the engine's single outstanding timer request and
// mirrors it into the reactor's one-shot timer.
type timerLine struct {
	reactor Reactor
	armed   bool
}

// arm schedules the deadline, replacing any previously armed one.
func (tl *timerLine) arm(d time.Duration) error {
	if err := tl.reactor.ArmTimer(d); err != nil {
		return err
	}
	tl.armed = true
	return nil
}

// disarm cancels the pending deadline. Disarming an unarmed line is a
// no-op.
func (tl *timerLine) disarm() error {
	if !tl.armed {
		return nil
	}
	tl.armed = false
	return tl.reactor.DisarmTimer()
}

// fired records that the armed deadline elapsed.
func (tl *timerLine) fired() {
	tl.armed = false
}
