package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"remindbot/internal/eventbus"
	kit "remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	sent  []kit.ChatTarget
	err   error
	block bool
}

func (f *fakeSender) SendText(ctx context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	if f.block {
		<-ctx.Done()
		return kit.MessageRef{}, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return kit.MessageRef{}, f.err
	}
	f.sent = append(f.sent, to)
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: len(f.sent)}, nil
}

func TestSendDelivers(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()

	fs := &fakeSender{}
	s := New(Config{}, fs, logx.Nop(), bus)
	if err := s.Send(context.Background(), "-100123:7", "提醒：餵小鳥"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(fs.sent) != 1 || fs.sent[0] != (kit.ChatTarget{ChatID: -100123, ThreadID: 7}) {
		t.Fatalf("sent = %+v", fs.sent)
	}
	if ev := <-events; ev.Type != eventbus.DeliverySent {
		t.Fatalf("event = %s", ev.Type)
	}
	if h := s.History(); len(h) != 1 || h[0].Error != "" {
		t.Fatalf("history = %+v", h)
	}
}

func TestSendFailsOnceWithoutRetry(t *testing.T) {
	t.Parallel()
	boom := errors.New("chat not found")
	fs := &fakeSender{err: boom}
	s := New(Config{}, fs, logx.Nop(), nil)

	err := s.Send(context.Background(), "42", "x")
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped transport error", err)
	}
	if h := s.History(); len(h) != 1 || h[0].Error == "" {
		t.Fatalf("history = %+v", h)
	}
	if err := s.Send(context.Background(), "not-a-chat", "x"); err == nil {
		t.Fatal("expected error for bad target")
	}
	if err := s.Send(context.Background(), "42", "  "); !errors.Is(err, ErrEmptyText) {
		t.Fatalf("empty text err = %v", err)
	}
}

func TestSendTimeout(t *testing.T) {
	t.Parallel()
	s := New(Config{Timeout: 30 * time.Millisecond}, &fakeSender{block: true}, logx.Nop(), nil)
	start := time.Now()
	err := s.Send(context.Background(), "42", "x")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("timeout not applied")
	}
}

func TestSendRateLimited(t *testing.T) {
	t.Parallel()
	s := New(Config{RatePerSec: 1}, &fakeSender{}, logx.Nop(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := s.Send(ctx, "42", "first"); err != nil {
		t.Fatalf("first Send: %v", err)
	}
	// burst of 1 is spent; the next token is a second away
	if err := s.Send(ctx, "42", "second"); err == nil {
		t.Fatal("expected rate limit wait to fail before deadline")
	}
}
