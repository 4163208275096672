package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	kit "remindbot/internal/transport"
)

func TestFormatChatLineSortsFields(t *testing.T) {
	t.Parallel()
	line := `{"level":"warn","time":"x","message":"delivery failed","reminder":"abc","comp":"dispatch"}`
	got := formatChatLine([]byte(line))
	want := "[WARN] delivery failed\n- comp=dispatch\n- reminder=abc"
	if got != want {
		t.Fatalf("formatChatLine = %q, want %q", got, want)
	}
}

func TestLoggerWithFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "registry"))
	log.Info("created", String("id", "r1"), Int("n", 2))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("unmarshal: %v (%q)", err, buf.String())
	}
	if m["comp"] != "registry" || m["id"] != "r1" || m["message"] != "created" {
		t.Fatalf("unexpected line: %v", m)
	}
}

func TestZeroLoggerIsNop(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Warn("ignored")
	if Nop().IsZero() {
		t.Fatal("Nop logger should not be zero")
	}
}

type captureSender struct {
	mu    sync.Mutex
	texts []string
}

func (c *captureSender) SendText(_ context.Context, _ kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	c.mu.Lock()
	c.texts = append(c.texts, text)
	c.mu.Unlock()
	return kit.MessageRef{}, nil
}

func (c *captureSender) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.texts)
}

func TestChatSinkForwardsWarnings(t *testing.T) {
	snd := &captureSender{}
	svc, log := New(Config{Level: "debug", Chat: ChatConfig{Enabled: true, MinLevel: "warn", RatePerSec: 10}}, snd)
	svc.SetChatTarget(kit.ChatTarget{ChatID: 42})
	svc.Apply(Config{Level: "debug", Chat: ChatConfig{Enabled: true, MinLevel: "warn", RatePerSec: 10}})
	defer svc.Close()

	log.Info("not forwarded")
	log.Warn("forwarded")

	deadline := time.Now().Add(2 * time.Second)
	for snd.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if snd.count() != 1 {
		t.Fatalf("forwarded %d lines, want 1", snd.count())
	}
	snd.mu.Lock()
	got := snd.texts[0]
	snd.mu.Unlock()
	if !strings.Contains(got, "forwarded") {
		t.Fatalf("unexpected chat text %q", got)
	}
}
