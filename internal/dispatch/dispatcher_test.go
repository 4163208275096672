package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"remindbot/internal/clock"
	"remindbot/internal/reminder"
	"remindbot/internal/storage"
	"remindbot/internal/task/scheduler"
	"remindbot/internal/timeparse"
	logx "remindbot/pkg/logx"
)

var loc = time.FixedZone("Asia/Taipei", 8*3600)

type fakeSender struct {
	mu    sync.Mutex
	sent  []string
	fail  map[string]error
	delay time.Duration
}

func (f *fakeSender) Send(ctx context.Context, target, text string) error {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[target]; err != nil {
		return err
	}
	f.sent = append(f.sent, target+"|"+text)
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// fakeTriggers records registrations and never fires on its own.
type fakeTriggers struct {
	mu        sync.Mutex
	disabled  bool
	intervals map[string]time.Duration
	once      map[string]scheduler.Job
	onceAt    map[string]time.Time
}

func newFakeTriggers() *fakeTriggers {
	return &fakeTriggers{
		intervals: map[string]time.Duration{},
		once:      map[string]scheduler.Job{},
		onceAt:    map[string]time.Time{},
	}
}

func (f *fakeTriggers) AddIntervalOpt(name string, every, _ time.Duration, _ scheduler.TaskOptions, _ scheduler.Job) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.intervals[name] = every
	return name, nil
}

func (f *fakeTriggers) AddOnce(name string, at time.Time, _ time.Duration, job scheduler.Job) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.once[name] = job
	f.onceAt[name] = at
	return name, nil
}

func (f *fakeTriggers) Remove(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, a := f.intervals[name]
	_, b := f.once[name]
	delete(f.intervals, name)
	delete(f.once, name)
	delete(f.onceAt, name)
	return a || b
}

func (f *fakeTriggers) Enabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.disabled
}

func (f *fakeTriggers) job(name string) scheduler.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.once[name]
}

type fixture struct {
	reg    *reminder.Registry
	clk    *clock.Manual
	sender *fakeSender
	trig   *fakeTriggers
	d      *Dispatcher
}

func newFixture(t *testing.T, now time.Time, cfg Config) *fixture {
	t.Helper()
	clk := clock.NewManual(now)
	var seq atomic.Int64
	reg := reminder.New(storage.NewMemory(loc),
		reminder.WithClock(clk),
		reminder.WithLocation(loc),
		reminder.WithIDGenerator(func() string { return fmt.Sprintf("r%03d", seq.Add(1)) }),
	)
	sender := &fakeSender{fail: map[string]error{}}
	trig := newFakeTriggers()
	return &fixture{
		reg:    reg,
		clk:    clk,
		sender: sender,
		trig:   trig,
		d:      New(cfg, reg, sender, trig, WithLogger(logx.Nop())),
	}
}

func (f *fixture) create(t *testing.T, owner string, at time.Time, content string) reminder.Reminder {
	t.Helper()
	r, err := f.reg.Create(context.Background(), owner, at, content)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return r
}

func (f *fixture) status(t *testing.T, id string) reminder.Reminder {
	t.Helper()
	r, err := f.reg.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s): %v", id, err)
	}
	return r
}

func TestEndToEndParseCreateSweep(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 20, 10, 0, 0, 0, loc)
	f := newFixture(t, now, Config{})
	ctx := context.Background()

	parsed, err := timeparse.Parse("7/1 14:00 餵小鳥", now)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	r := f.create(t, "100", parsed.At, parsed.Content)
	if r.Status != reminder.StatusPending {
		t.Fatalf("status = %s", r.Status)
	}

	f.clk.Set(time.Date(2025, 7, 1, 14, 0, 30, 0, loc))
	res, err := f.d.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if res.Sent != 1 || f.sender.count() != 1 {
		t.Fatalf("result = %+v, sends = %d", res, f.sender.count())
	}
	if f.sender.sent[0] != "100|餵小鳥" {
		t.Fatalf("sent = %q, want %q", f.sender.sent[0], "100|餵小鳥")
	}
	if got := f.status(t, r.ID); got.Status != reminder.StatusSent {
		t.Fatalf("status = %s, want sent", got.Status)
	}
}

func TestFormatterIsOptIn(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 20, 10, 0, 0, 0, loc)
	f := newFixture(t, now, Config{})
	f.d = New(Config{}, f.reg, f.sender, f.trig, WithLogger(logx.Nop()), WithFormatter(FormatReminder))
	r := f.create(t, "100", time.Date(2025, 7, 1, 14, 0, 0, 0, loc), "餵小鳥")

	f.clk.Set(r.ScheduledAt)
	if _, err := f.d.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if f.sender.count() != 1 || !strings.HasPrefix(f.sender.sent[0], "100|⏰ 提醒 07/01 14:00\n") {
		t.Fatalf("sent = %q", f.sender.sent)
	}
}

func TestDoubleSweepSendsOnce(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 20, 10, 0, 0, 0, loc)
	f := newFixture(t, now, Config{})
	r := f.create(t, "100", now.Add(time.Hour), "x")

	f.clk.Advance(time.Hour)
	for i := 0; i < 2; i++ {
		if _, err := f.d.Sweep(context.Background()); err != nil {
			t.Fatalf("Sweep %d: %v", i, err)
		}
	}
	if f.sender.count() != 1 {
		t.Fatalf("sends = %d, want 1", f.sender.count())
	}
	if got := f.status(t, r.ID); got.Status != reminder.StatusSent {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestLostTimerRecoveredBySweep(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 20, 10, 0, 0, 0, loc)
	f := newFixture(t, now, Config{OneShot: true})
	r := f.create(t, "100", now.Add(30*time.Minute), "x")
	f.d.Track(r)
	late := f.trig.job(oneShotPrefix + r.ID)
	if late == nil {
		t.Fatal("one-shot not armed")
	}

	// the timer never fires (process restarted); the sweep delivers
	f.clk.Advance(30*time.Minute + 10*time.Second)
	if res, _ := f.d.Sweep(context.Background()); res.Sent != 1 {
		t.Fatalf("sweep result = %+v", res)
	}
	// a stale timer firing afterwards must not send again
	if err := late(context.Background()); err != nil {
		t.Fatalf("late fire: %v", err)
	}
	if f.sender.count() != 1 {
		t.Fatalf("sends = %d, want 1", f.sender.count())
	}
}

func TestSweepAndFireRace(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 20, 10, 0, 0, 0, loc)
	f := newFixture(t, now, Config{OneShot: true})
	var ids []string
	for i := 0; i < 10; i++ {
		ids = append(ids, f.create(t, fmt.Sprint(100+i), now.Add(time.Minute), "x").ID)
	}
	f.clk.Advance(time.Minute)

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = f.d.Sweep(ctx)
		}()
		go func() {
			defer wg.Done()
			for _, id := range ids {
				_ = f.d.Fire(ctx, id)
			}
		}()
	}
	wg.Wait()
	if f.sender.count() != len(ids) {
		t.Fatalf("sends = %d, want %d", f.sender.count(), len(ids))
	}
}

func TestFailedSendIsRecordedNotRetried(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 20, 10, 0, 0, 0, loc)
	f := newFixture(t, now, Config{})
	bad := f.create(t, "bad", now.Add(time.Minute), "x")
	good := f.create(t, "good", now.Add(2*time.Minute), "y")
	f.sender.fail["bad"] = errors.New("chat not found")

	f.clk.Advance(2 * time.Minute)
	res, err := f.d.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if res.Failed != 1 || res.Sent != 1 {
		t.Fatalf("result = %+v", res)
	}
	got := f.status(t, bad.ID)
	if got.Status != reminder.StatusFailed || got.Reason != "chat not found" {
		t.Fatalf("bad = %+v", got)
	}
	if f.status(t, good.ID).Status != reminder.StatusSent {
		t.Fatal("one failing row blocked another")
	}

	// no automatic retry
	if res, _ := f.d.Sweep(context.Background()); res.Due != 0 {
		t.Fatalf("failed row still due: %+v", res)
	}
	// manual retry puts it back in the sweep
	delete(f.sender.fail, "bad")
	if ok, err := f.reg.Retry(context.Background(), bad.ID); !ok || err != nil {
		t.Fatalf("Retry = %v, %v", ok, err)
	}
	if res, _ := f.d.Sweep(context.Background()); res.Sent != 1 {
		t.Fatalf("after retry = %+v", res)
	}
}

func TestDeliverReturnsDeliveryError(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 20, 10, 0, 0, 0, loc)
	f := newFixture(t, now, Config{DeliveryTimeout: 20 * time.Millisecond})
	f.sender.delay = time.Second
	r := f.create(t, "100", now.Add(time.Minute), "x")
	f.clk.Advance(time.Minute)

	out, err := f.d.Deliver(context.Background(), r)
	var de *reminder.DeliveryError
	if out != OutcomeFailed || !errors.As(err, &de) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Deliver = %v, %v", out, err)
	}
	if got := f.status(t, r.ID); got.Status != reminder.StatusFailed {
		t.Fatalf("status = %s", got.Status)
	}
	if out, err := f.d.Deliver(context.Background(), r); out != OutcomeSkipped || err != nil {
		t.Fatalf("second Deliver = %v, %v", out, err)
	}
}

func TestToleranceWindow(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 20, 10, 0, 0, 0, loc)
	f := newFixture(t, now, Config{Tolerance: 2 * time.Minute})
	stale := f.create(t, "100", now.Add(time.Minute), "stale")
	early := f.create(t, "100", now.Add(11*time.Minute+30*time.Second), "early")
	future := f.create(t, "100", now.Add(20*time.Minute), "future")
	cancelled := f.create(t, "100", now.Add(10*time.Minute), "cancelled")
	if ok, _ := f.reg.Cancel(context.Background(), cancelled.ID); !ok {
		t.Fatal("Cancel failed")
	}

	f.clk.Advance(10 * time.Minute)
	res, _ := f.d.Sweep(context.Background())
	if res.Sent != 1 {
		t.Fatalf("result = %+v", res)
	}
	want := map[string]reminder.Status{
		stale.ID:     reminder.StatusPending,
		early.ID:     reminder.StatusSent,
		future.ID:    reminder.StatusPending,
		cancelled.ID: reminder.StatusCancelled,
	}
	for id, st := range want {
		if got := f.status(t, id).Status; got != st {
			t.Fatalf("%s status = %s, want %s", id, got, st)
		}
	}
}

func TestStartRegistersSweepAndRestores(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 20, 10, 0, 0, 0, loc)
	f := newFixture(t, now, Config{SweepInterval: 30 * time.Second, OneShot: true})
	a := f.create(t, "100", now.Add(time.Hour), "a")
	b := f.create(t, "200", now.Add(2*time.Hour), "b")

	if err := f.d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if f.trig.intervals[SweepJobName] != 30*time.Second {
		t.Fatalf("intervals = %+v", f.trig.intervals)
	}
	if !f.d.Tracked(a.ID) || !f.d.Tracked(b.ID) {
		t.Fatal("upcoming reminders not re-armed")
	}
	if at := f.trig.onceAt[oneShotPrefix+a.ID]; !at.Equal(a.ScheduledAt) {
		t.Fatalf("one-shot at = %v", at)
	}

	f.d.Untrack(a.ID)
	if f.trig.job(oneShotPrefix+a.ID) != nil || f.d.Tracked(a.ID) {
		t.Fatal("Untrack left the one-shot armed")
	}

	f.d.Apply(context.Background(), Config{SweepInterval: time.Minute, OneShot: false})
	if f.trig.intervals[SweepJobName] != time.Minute || f.d.Tracked(b.ID) {
		t.Fatalf("Apply: intervals=%+v trackedB=%v", f.trig.intervals, f.d.Tracked(b.ID))
	}

	f.d.Stop()
	if _, ok := f.trig.intervals[SweepJobName]; ok {
		t.Fatal("Stop left the sweep registered")
	}
}

func TestStartSkipsSweepWhenSchedulerDisabled(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 20, 10, 0, 0, 0, loc)
	f := newFixture(t, now, Config{})
	r := f.create(t, "100", now.Add(time.Minute), "x")
	f.clk.Set(r.ScheduledAt)
	f.trig.disabled = true

	if err := f.d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if f.sender.count() != 0 {
		t.Fatalf("sent while scheduler disabled: %q", f.sender.sent)
	}
	if got := f.status(t, r.ID); got.Status != reminder.StatusPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}

	enabled := newFixture(t, now, Config{})
	r2 := enabled.create(t, "100", now.Add(time.Minute), "x")
	enabled.clk.Set(r2.ScheduledAt)
	if err := enabled.d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if enabled.sender.count() != 1 {
		t.Fatalf("startup sweep sends = %d, want 1", enabled.sender.count())
	}
}

func TestTrackIgnoresDueAndDisabled(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 20, 10, 0, 0, 0, loc)
	f := newFixture(t, now, Config{OneShot: true})
	r := f.create(t, "100", now.Add(time.Minute), "x")
	f.clk.Advance(time.Minute)
	f.d.Track(r)
	if f.d.Tracked(r.ID) {
		t.Fatal("reminder at now should be left to the sweep")
	}

	off := newFixture(t, now, Config{OneShot: false})
	r2 := off.create(t, "100", now.Add(time.Hour), "x")
	off.d.Track(r2)
	if off.d.Tracked(r2.ID) {
		t.Fatal("one-shot armed while disabled")
	}
}

func TestOneShotThroughScheduler(t *testing.T) {
	t.Parallel()
	now := time.Now().In(loc)
	clk := clock.Func(func() time.Time { return time.Now().In(loc) })
	reg := reminder.New(storage.NewMemory(loc), reminder.WithClock(clk), reminder.WithLocation(loc))
	sched := scheduler.New(scheduler.Config{Enabled: true}, nil, logx.Nop(), nil)
	sched.Start(context.Background())
	defer sched.Stop(context.Background())

	sender := &fakeSender{fail: map[string]error{}}
	d := New(Config{OneShot: true}, reg, sender, sched)
	r, err := reg.Create(context.Background(), "100", now.Add(50*time.Millisecond), "x")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	d.Track(r)

	deadline := time.Now().Add(2 * time.Second)
	for sender.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("one-shot never delivered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	got, _ := reg.Get(context.Background(), r.ID)
	if got.Status != reminder.StatusSent || d.Tracked(r.ID) {
		t.Fatalf("status = %s tracked = %v", got.Status, d.Tracked(r.ID))
	}
}
