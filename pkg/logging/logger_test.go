package logging

import "testing"

func TestNewLoggerWithService(t *testing.T) {
	l := NewLoggerWithService("svc-a")
	entry := l.WithField("k", "v")
	if entry == nil {
		t.Fatalf("expected non-nil entry")
	}
}

func TestNewNopLoggerDiscards(t *testing.T) {
	l := NewNopLogger()
	// Must not panic or write anywhere observable
	l.WithField("k", "v").Error("dropped")
}
