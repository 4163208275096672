package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"remindbot/internal/task/engine"
	logx "remindbot/pkg/logx"
)

func newStarted(t *testing.T, runner Runner) *Service {
	t.Helper()
	s := New(Config{Enabled: true, Timezone: "UTC"}, runner, logx.Nop(), nil)
	s.Start(context.Background())
	t.Cleanup(func() { s.Stop(context.Background()) })
	return s
}

func TestAddOnceFires(t *testing.T) {
	t.Parallel()
	s := newStarted(t, nil)
	fired := make(chan struct{}, 1)
	if _, err := s.AddOnce("reminder:a", time.Now().Add(20*time.Millisecond), time.Second, func(context.Context) error {
		fired <- struct{}{}
		return nil
	}); err != nil {
		t.Fatalf("AddOnce: %v", err)
	}
	if !s.HasOnce("reminder:a") {
		t.Fatal("HasOnce before firing = false")
	}
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("one-shot never fired")
	}
	time.Sleep(10 * time.Millisecond)
	if s.HasOnce("reminder:a") {
		t.Fatal("fired one-shot still registered")
	}
}

func TestAddOnceReplaceAndRemove(t *testing.T) {
	t.Parallel()
	s := newStarted(t, nil)
	var first, second, removed atomic.Int32
	at := time.Now().Add(30 * time.Millisecond)

	_, _ = s.AddOnce("x", at, 0, func(context.Context) error { first.Add(1); return nil })
	_, _ = s.AddOnce("x", at, 0, func(context.Context) error { second.Add(1); return nil })
	_, _ = s.AddOnce("y", at, 0, func(context.Context) error { removed.Add(1); return nil })
	if !s.Remove("y") {
		t.Fatal("Remove(y) = false")
	}
	if s.Remove("y") {
		t.Fatal("second Remove(y) = true")
	}

	time.Sleep(200 * time.Millisecond)
	if first.Load() != 0 || second.Load() != 1 || removed.Load() != 0 {
		t.Fatalf("first=%d second=%d removed=%d", first.Load(), second.Load(), removed.Load())
	}
}

func TestOnceArmedOnlyWhileRunning(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, nil, logx.Nop(), nil)
	var runs atomic.Int32
	_, _ = s.AddOnce("late", time.Now().Add(-time.Minute), 0, func(context.Context) error { runs.Add(1); return nil })

	time.Sleep(50 * time.Millisecond)
	if runs.Load() != 0 {
		t.Fatal("one-shot fired before Start")
	}
	s.Start(context.Background())
	defer s.Stop(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("past one-shot not fired after Start")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestIntervalRunsThroughEngine(t *testing.T) {
	t.Parallel()
	eng := engine.New(engine.Config{Enabled: true, Workers: 1}, logx.Nop(), nil)
	eng.Start(context.Background())
	defer eng.Stop(context.Background())

	s := newStarted(t, eng)
	ran := make(chan struct{}, 4)
	if _, err := s.AddSchedule("dispatch.sweep", "1s", time.Second, func(context.Context) error {
		ran <- struct{}{}
		return nil
	}); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}
	snap := s.Snapshot()
	if len(snap.Schedules) != 1 || snap.Schedules[0].Spec != "@every 1s" || snap.Schedules[0].Next.IsZero() {
		t.Fatalf("snapshot = %+v", snap)
	}
	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatal("interval never ran")
	}
	if !s.Remove("dispatch.sweep") || len(s.Snapshot().Schedules) != 0 {
		t.Fatal("Remove did not drop the interval")
	}
}

func TestAddRejectsBadInput(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, nil, logx.Nop(), nil)
	noop := func(context.Context) error { return nil }
	if _, err := s.AddCron("bad", "not a cron", 0, noop); err == nil {
		t.Fatal("expected cron parse error")
	}
	if _, err := s.AddInterval("", time.Second, 0, noop); err == nil {
		t.Fatal("expected name error")
	}
	if _, err := s.AddOnce("x", time.Time{}, 0, noop); err == nil {
		t.Fatal("expected zero time error")
	}
	if _, err := s.AddDaily("d", "25:00", 0, noop); err == nil {
		t.Fatal("expected HH:MM error")
	}
}
