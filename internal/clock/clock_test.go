package clock

import (
	"testing"
	"time"
)

func TestManual(t *testing.T) {
	t.Parallel()
	start := time.Date(2025, 6, 20, 10, 0, 0, 0, time.UTC)
	m := NewManual(start)
	if !m.Now().Equal(start) {
		t.Fatalf("Now = %v", m.Now())
	}
	if got := m.Advance(90 * time.Second); !got.Equal(start.Add(90 * time.Second)) {
		t.Fatalf("Advance = %v", got)
	}
	m.Set(start)
	if !m.Now().Equal(start) {
		t.Fatalf("Set: Now = %v", m.Now())
	}
	if _, ok := OrReal(nil).(Real); !ok {
		t.Fatal("OrReal(nil) should be Real")
	}
	if OrReal(m) != Clock(m) {
		t.Fatal("OrReal should keep a non-nil clock")
	}
}
