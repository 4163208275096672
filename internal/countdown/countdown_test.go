package countdown

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"remindbot/internal/eventbus"
	"remindbot/internal/task/scheduler"
	logx "remindbot/pkg/logx"
)

type recordingSender struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recordingSender) Send(_ context.Context, target, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, target+"|"+text)
	return nil
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

type heldTriggers struct {
	mu   sync.Mutex
	jobs map[string]scheduler.Job
}

func (h *heldTriggers) AddOnce(name string, _ time.Time, _ time.Duration, job scheduler.Job) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.jobs[name] = job
	return name, nil
}

func (h *heldTriggers) Remove(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.jobs[name]
	delete(h.jobs, name)
	return ok
}

func startedScheduler(t *testing.T) *scheduler.Service {
	t.Helper()
	s := scheduler.New(scheduler.Config{Enabled: true}, nil, logx.Nop(), nil)
	s.Start(context.Background())
	t.Cleanup(func() { s.Stop(context.Background()) })
	return s
}

func waitCount(t *testing.T, r *recordingSender, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for r.count() < want {
		if time.Now().After(deadline) {
			t.Fatalf("sends = %d, want %d", r.count(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSingleModeFiresOnce(t *testing.T) {
	t.Parallel()
	sender := &recordingSender{}
	svc := New(Config{Mode: ModeSingle}, startedScheduler(t), sender)

	tm, err := svc.Start("100", 30*time.Millisecond)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := svc.Active(); len(got) != 1 || got[0].ID != tm.ID {
		t.Fatalf("Active = %+v", got)
	}
	waitCount(t, sender, 1)
	time.Sleep(50 * time.Millisecond)
	if sender.count() != 1 || len(svc.Active()) != 0 {
		t.Fatalf("sends = %d active = %d", sender.count(), len(svc.Active()))
	}
}

func TestRedundantModeSuppressesDuplicate(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	sender := &recordingSender{}
	svc := New(Config{Mode: ModeRedundant}, startedScheduler(t), sender, WithBus(bus))
	if _, err := svc.Start("100", 30*time.Millisecond); err != nil {
		t.Fatalf("Start: %v", err)
	}

	timeout := time.After(2 * time.Second)
	for deduped := false; !deduped; {
		select {
		case ev := <-events:
			deduped = ev.Type == eventbus.CountdownDeduped
		case <-timeout:
			t.Fatal("second mechanism never reported")
		}
	}
	if sender.count() != 1 {
		t.Fatalf("sends = %d, want 1", sender.count())
	}
}

func TestConcurrentFireClaimsOnce(t *testing.T) {
	t.Parallel()
	trig := &heldTriggers{jobs: map[string]scheduler.Job{}}
	sender := &recordingSender{}
	svc := New(Config{}, trig, sender)
	tm, err := svc.Start("100", time.Hour)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	trig.mu.Lock()
	job := trig.jobs[tm.ID]
	trig.mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = job(context.Background())
		}()
	}
	wg.Wait()
	if sender.count() != 1 {
		t.Fatalf("sends = %d, want 1", sender.count())
	}
}

func TestCancelAndReplace(t *testing.T) {
	t.Parallel()
	sender := &recordingSender{}
	svc := New(Config{}, startedScheduler(t), sender)

	if _, err := svc.Start("100", 80*time.Millisecond); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !svc.Cancel("100") {
		t.Fatal("Cancel = false")
	}
	if svc.Cancel("100") {
		t.Fatal("second Cancel = true")
	}

	_, _ = svc.Start("200", 40*time.Millisecond)
	replacement, _ := svc.Start("200", 60*time.Millisecond)
	waitCount(t, sender, 1)
	time.Sleep(150 * time.Millisecond)
	if sender.count() != 1 {
		t.Fatalf("sends = %d, want 1", sender.count())
	}
	if want := "200|" + FinishedText(replacement.Duration); sender.msgs[0] != want {
		t.Fatalf("msg = %q, want %q", sender.msgs[0], want)
	}
}

func TestStartValidation(t *testing.T) {
	t.Parallel()
	svc := New(Config{Max: time.Hour}, nil, &recordingSender{})
	if _, err := svc.Start("100", 0); !errors.Is(err, ErrInvalidDuration) {
		t.Fatalf("zero err = %v", err)
	}
	if _, err := svc.Start("100", 2*time.Hour); !errors.Is(err, ErrTooLong) {
		t.Fatalf("too long err = %v", err)
	}
	if _, err := svc.Start(" ", time.Minute); !errors.Is(err, ErrNoTarget) {
		t.Fatalf("no target err = %v", err)
	}
	if svc.Default() != 3*time.Minute {
		t.Fatalf("Default = %v", svc.Default())
	}
}

func TestTexts(t *testing.T) {
	t.Parallel()
	if got := StartedText(3 * time.Minute); got != "倒數計時三分鐘開始..." {
		t.Fatalf("StartedText = %q", got)
	}
	if got := FinishedText(90 * time.Second); got != "⏰ 倒數計時一分鐘三十秒結束！" {
		t.Fatalf("FinishedText = %q", got)
	}
}
