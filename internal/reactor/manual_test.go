package reactor

import (
	"errors"
	"testing"
	"time"

	"github.com/warpdl/warpmux/pkg/multiloop"
)

type recordedEvent struct {
	kind string
	fd   int
	mode multiloop.IOMode
}

type recordingHandler struct {
	events []recordedEvent
}

func (h *recordingHandler) OnSocketReady(fd int, mode multiloop.IOMode) {
	h.events = append(h.events, recordedEvent{kind: "socket", fd: fd, mode: mode})
}

func (h *recordingHandler) OnTimerFire() {
	h.events = append(h.events, recordedEvent{kind: "timer"})
}

func (h *recordingHandler) OnWake() {
	h.events = append(h.events, recordedEvent{kind: "wake"})
}

func TestManualDispatchesInInjectionOrder(t *testing.T) {
	m := NewManual()
	m.Ready(3, multiloop.ModeRead)
	m.Wake()
	m.Fire()
	m.Ready(4, multiloop.ModeWrite)

	var h recordingHandler
	if err := m.Poll(&h); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	want := []recordedEvent{
		{kind: "socket", fd: 3, mode: multiloop.ModeRead},
		{kind: "wake"},
		{kind: "timer"},
		{kind: "socket", fd: 4, mode: multiloop.ModeWrite},
	}
	if len(h.events) != len(want) {
		t.Fatalf("events = %v, want %v", h.events, want)
	}
	for i, ev := range h.events {
		if ev != want[i] {
			t.Errorf("event %d = %v, want %v", i, ev, want[i])
		}
	}
}

func TestManualSubscriptionBookkeeping(t *testing.T) {
	m := NewManual()
	if err := m.Watch(5, multiloop.ModeRead); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if err := m.Watch(5, multiloop.ModeWrite); err != nil {
		t.Fatalf("Watch replace: %v", err)
	}
	if mode, ok := m.Watched(5); !ok || mode != multiloop.ModeWrite {
		t.Fatalf("Watched(5) = %v, %v; want write (replaced)", mode, ok)
	}
	if n := m.WatchedCount(); n != 1 {
		t.Fatalf("WatchedCount = %d, want 1", n)
	}
	if err := m.Unwatch(5); err != nil {
		t.Fatalf("Unwatch: %v", err)
	}
	if err := m.Unwatch(5); err != nil {
		t.Fatalf("Unwatch absent fd: %v", err)
	}
	if n := m.WatchedCount(); n != 0 {
		t.Fatalf("WatchedCount = %d, want 0", n)
	}
}

func TestManualTimerBookkeeping(t *testing.T) {
	m := NewManual()
	if err := m.ArmTimer(time.Second); err != nil {
		t.Fatalf("ArmTimer: %v", err)
	}
	if err := m.ArmTimer(time.Minute); err != nil {
		t.Fatalf("ArmTimer replace: %v", err)
	}
	if d, armed := m.TimerArmed(); !armed || d != time.Minute {
		t.Fatalf("TimerArmed = %v, %v; want 1m", d, armed)
	}
	m.Fire()
	if _, armed := m.TimerArmed(); armed {
		t.Fatal("timer still armed after Fire")
	}
	if err := m.DisarmTimer(); err != nil {
		t.Fatalf("DisarmTimer: %v", err)
	}
}

func TestManualPollBlocksUntilEvent(t *testing.T) {
	m := NewManual()
	done := make(chan error, 1)
	var h recordingHandler
	go func() { done <- m.Poll(&h) }()

	select {
	case err := <-done:
		t.Fatalf("Poll returned %v with no events", err)
	case <-time.After(50 * time.Millisecond):
	}
	m.Wake()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Poll: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Poll did not return after Wake")
	}
}

func TestManualCloseUnblocksPoll(t *testing.T) {
	m := NewManual()
	done := make(chan error, 1)
	go func() { done <- m.Poll(&recordingHandler{}) }()
	time.Sleep(20 * time.Millisecond)
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("Poll = %v, want ErrClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Poll did not return after Close")
	}
}
