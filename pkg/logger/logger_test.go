package logger

import (
	"bytes"
	"log"
	"strings"
	"testing"
)

func TestStandardLoggerPrefixes(t *testing.T) {
	var buf bytes.Buffer
	l := NewStandardLogger(log.New(&buf, "", 0))
	l.Info("hello %s", "world")
	l.Warning("careful")
	l.Error("boom: %d", 7)
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	want := []string{"[INFO] hello world", "[WARNING] careful", "[ERROR] boom: 7"}
	if len(lines) != len(want) {
		t.Fatalf("got %d lines, want %d: %q", len(lines), len(want), lines)
	}
	for i, w := range want {
		if lines[i] != w {
			t.Errorf("line %d = %q, want %q", i, lines[i], w)
		}
	}
}

func TestMockLoggerRecords(t *testing.T) {
	m := NewMockLogger()
	m.Info("a %d", 1)
	m.Warning("b")
	m.Error("c")
	m.Close()

	if got := m.InfoCalls(); len(got) != 1 || got[0] != "a 1" {
		t.Errorf("InfoCalls = %v", got)
	}
	if got := m.WarningCalls(); len(got) != 1 || got[0] != "b" {
		t.Errorf("WarningCalls = %v", got)
	}
	if got := m.ErrorCalls(); len(got) != 1 || got[0] != "c" {
		t.Errorf("ErrorCalls = %v", got)
	}
	if !m.CloseCalled() {
		t.Error("CloseCalled = false")
	}
}

func TestMultiLoggerBroadcasts(t *testing.T) {
	a := NewMockLogger()
	b := NewMockLogger()
	m := NewMultiLogger(a, b)
	m.Info("x")
	m.Error("y")
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	for _, mock := range []*MockLogger{a, b} {
		if got := mock.InfoCalls(); len(got) != 1 || got[0] != "x" {
			t.Errorf("backend InfoCalls = %v", got)
		}
		if got := mock.ErrorCalls(); len(got) != 1 || got[0] != "y" {
			t.Errorf("backend ErrorCalls = %v", got)
		}
		if !mock.CloseCalled() {
			t.Error("backend not closed")
		}
	}
}
