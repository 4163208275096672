package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	logx "remindbot/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) *Service {
	t.Helper()
	cfg.Enabled = true
	s := New(cfg, logx.Nop(), nil)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func lastHistory(s *Service, name string) (HistoryItem, bool) {
	h := s.Snapshot().History
	for i := len(h) - 1; i >= 0; i-- {
		if h[i].Name == name {
			return h[i], true
		}
	}
	return HistoryItem{}, false
}

func TestDisabledAndStopped(t *testing.T) {
	t.Parallel()
	run := func(context.Context) error { return nil }

	off := New(Config{}, logx.Nop(), nil)
	if err := off.Enqueue(Task{Name: "x", Run: run}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled err = %v", err)
	}
	idle := New(Config{Enabled: true}, logx.Nop(), nil)
	if err := idle.Enqueue(Task{Name: "x", Run: run}); !errors.Is(err, ErrStopped) {
		t.Fatalf("not started err = %v", err)
	}
	if err := idle.Enqueue(Task{Name: " ", Run: run}); err == nil {
		t.Fatal("expected error for blank name")
	}
}

func TestRunsTaskWithTimeout(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, DefaultTimeout: 50 * time.Millisecond})

	if err := s.Enqueue(Task{
		Name: "slow",
		Opt:  TaskOptions{RetryMax: -1},
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, "slow task history", func() bool { _, ok := lastHistory(s, "slow"); return ok })
	item, _ := lastHistory(s, "slow")
	if item.Error != context.DeadlineExceeded.Error() || item.Attempts != 1 {
		t.Fatalf("history = %+v", item)
	}
}

func TestRetryAndNoRetry(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 2, RetryMax: 2})
	opt := TaskOptions{RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}

	var flaky atomic.Int32
	_ = s.Enqueue(Task{Name: "flaky", Opt: opt, Run: func(context.Context) error {
		if flaky.Add(1) < 3 {
			return errors.New("boom")
		}
		return nil
	}})
	var permanent atomic.Int32
	_ = s.Enqueue(Task{Name: "permanent", Opt: opt, Run: func(context.Context) error {
		permanent.Add(1)
		return NoRetry(errors.New("bad input"))
	}})

	waitFor(t, "both tasks", func() bool {
		_, a := lastHistory(s, "flaky")
		_, b := lastHistory(s, "permanent")
		return a && b
	})
	if item, _ := lastHistory(s, "flaky"); item.Error != "" || item.Attempts != 3 {
		t.Fatalf("flaky = %+v", item)
	}
	if item, _ := lastHistory(s, "permanent"); item.Error != "bad input" || permanent.Load() != 1 {
		t.Fatalf("permanent = %+v, runs=%d", item, permanent.Load())
	}
}

func TestPanicIsRecovered(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1})
	_ = s.Enqueue(Task{Name: "panics", Opt: TaskOptions{RetryMax: -1}, Run: func(context.Context) error { panic("kaboom") }})
	waitFor(t, "panic history", func() bool { _, ok := lastHistory(s, "panics"); return ok })

	var ran atomic.Bool
	_ = s.Enqueue(Task{Name: "after", Run: func(context.Context) error { ran.Store(true); return nil }})
	waitFor(t, "worker survives panic", ran.Load)
}

func TestOverlapSkipIfRunning(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 2})
	started := make(chan struct{})
	release := make(chan struct{})
	job := Task{Name: "sweep", Opt: TaskOptions{Overlap: OverlapSkipIfRunning}, Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}
	if err := s.Enqueue(job); err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}
	<-started
	if err := s.Enqueue(job); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("second Enqueue err = %v, want ErrOverlapSkip", err)
	}
	close(release)
	waitFor(t, "first run to finish", func() bool { _, ok := lastHistory(s, "sweep"); return ok })

	done := make(chan struct{})
	if err := s.Enqueue(Task{Name: "sweep", Opt: TaskOptions{Overlap: OverlapSkipIfRunning}, Run: func(context.Context) error {
		close(done)
		return nil
	}}); err != nil {
		t.Fatalf("Enqueue after finish: %v", err)
	}
	<-done
}

func TestQueueFull(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, QueueSize: 1})
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	_ = s.Enqueue(Task{Name: "blocker", Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}})
	<-started
	noop := func(context.Context) error { return nil }
	if err := s.Enqueue(Task{Name: "queued", Run: noop}); err != nil {
		t.Fatalf("queued: %v", err)
	}
	if err := s.Enqueue(Task{Name: "dropped", Run: noop}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("dropped err = %v, want ErrQueueFull", err)
	}
	if got := s.Snapshot().DroppedQueueFull; got != 1 {
		t.Fatalf("DroppedQueueFull = %d", got)
	}
}

func TestBackoffDelayBounds(t *testing.T) {
	t.Parallel()
	opt := TaskOptions{}.withDefaults(Config{})
	opt.RetryJitter = 0
	if got := backoffDelay(opt, 1, nil); got != 500*time.Millisecond {
		t.Fatalf("retry 1 = %v", got)
	}
	if got := backoffDelay(opt, 3, nil); got != 2*time.Second {
		t.Fatalf("retry 3 = %v", got)
	}
	if got := backoffDelay(opt, 20, nil); got != opt.RetryMaxDelay {
		t.Fatalf("retry 20 = %v, want cap %v", got, opt.RetryMaxDelay)
	}
	if got := backoffDelayWithHint(opt, 1, RetryAfter(errors.New("429"), time.Hour), nil); got != opt.RetryMaxDelay {
		t.Fatalf("hint not capped: %v", got)
	}
}
