// Package countdown runs short "remind me in N minutes" timers. Timers live
// only in memory and are lost on restart.
//
// In redundant mode every timer is armed twice, once on the trigger
// scheduler and once on a sleeping goroutine. Whichever fires first claims
// the timer; the other is suppressed, so a target hears the alarm at most
// once.
package countdown

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"remindbot/internal/clock"
	"remindbot/internal/eventbus"
	"remindbot/internal/task/scheduler"
	"remindbot/internal/timeparse"
	logx "remindbot/pkg/logx"
)

type Mode string

const (
	ModeSingle    Mode = "single"
	ModeRedundant Mode = "redundant"
)

var (
	ErrInvalidDuration = errors.New("countdown: duration must be positive")
	ErrTooLong         = errors.New("countdown: duration exceeds limit")
	ErrNoTarget        = errors.New("countdown: target required")
)

type Config struct {
	Mode    Mode
	Default time.Duration
	Max     time.Duration
}

func (c Config) withDefaults() Config {
	if c.Mode != ModeRedundant {
		c.Mode = ModeSingle
	}
	if c.Default <= 0 {
		c.Default = 3 * time.Minute
	}
	if c.Max <= 0 {
		c.Max = 24 * time.Hour
	}
	return c
}

// Timer is a read-only view of an active countdown.
type Timer struct {
	ID        string
	Target    string
	Duration  time.Duration
	StartedAt time.Time
	FireAt    time.Time
}

type Sender interface {
	Send(ctx context.Context, target, text string) error
}

// Triggers is satisfied by *scheduler.Service.
type Triggers interface {
	AddOnce(name string, at time.Time, timeout time.Duration, job scheduler.Job) (string, error)
	Remove(name string) bool
}

type entry struct {
	Timer
	claimed atomic.Bool
	stop    chan struct{}
}

type Service struct {
	mu     sync.Mutex
	cfg    Config
	timers map[string]*entry // by target; one active countdown per target
	seq    uint64

	triggers Triggers
	sender   Sender
	clock    clock.Clock
	log      logx.Logger
	bus      eventbus.Bus

	sendTimeout time.Duration
}

type Option func(*Service)

func WithClock(c clock.Clock) Option { return func(s *Service) { s.clock = c } }

func WithLogger(l logx.Logger) Option { return func(s *Service) { s.log = l } }

func WithBus(b eventbus.Bus) Option { return func(s *Service) { s.bus = b } }

func WithSendTimeout(d time.Duration) Option { return func(s *Service) { s.sendTimeout = d } }

// New builds the service. triggers may be nil; every timer then runs on a
// goroutine regardless of mode.
func New(cfg Config, triggers Triggers, sender Sender, opts ...Option) *Service {
	s := &Service{
		cfg:      cfg.withDefaults(),
		timers:   map[string]*entry{},
		triggers: triggers,
		sender:   sender,
	}
	for _, o := range opts {
		o(s)
	}
	s.clock = clock.OrReal(s.clock)
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	s.log = s.log.With(logx.String("comp", "countdown"))
	if s.sendTimeout <= 0 {
		s.sendTimeout = 10 * time.Second
	}
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

// Default is the duration used when the request names none.
func (s *Service) Default() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Default
}

// Start arms a countdown for target. An active countdown for the same
// target is replaced.
func (s *Service) Start(target string, d time.Duration) (Timer, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return Timer{}, ErrNoTarget
	}
	if d <= 0 {
		return Timer{}, ErrInvalidDuration
	}
	s.mu.Lock()
	cfg := s.cfg
	if d > cfg.Max {
		s.mu.Unlock()
		return Timer{}, fmt.Errorf("%w (%s > %s)", ErrTooLong, d, cfg.Max)
	}
	if old := s.timers[target]; old != nil {
		s.disarmLocked(old)
	}
	s.seq++
	now := s.clock.Now()
	e := &entry{
		Timer: Timer{
			ID:        fmt.Sprintf("countdown:%s:%d", target, s.seq),
			Target:    target,
			Duration:  d,
			StartedAt: now,
			FireAt:    now.Add(d),
		},
		stop: make(chan struct{}),
	}
	s.timers[target] = e
	s.mu.Unlock()

	armed := 0
	if s.triggers != nil {
		if _, err := s.triggers.AddOnce(e.ID, e.FireAt, s.sendTimeout, func(ctx context.Context) error {
			return s.fire(ctx, e, "scheduler")
		}); err != nil {
			s.log.Warn("arm scheduler timer failed", logx.String("id", e.ID), logx.Err(err))
		} else {
			armed++
		}
	}
	if cfg.Mode == ModeRedundant || armed == 0 {
		go s.sleep(e, d)
	}

	s.log.Info("countdown started", logx.String("target", target), logx.Duration("duration", d), logx.String("mode", string(cfg.Mode)))
	eventbus.Publish(s.bus, eventbus.CountdownStarted, e.Timer)
	return e.Timer, nil
}

func (s *Service) sleep(e *entry, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
		defer cancel()
		if err := s.fire(ctx, e, "goroutine"); err != nil {
			s.log.Warn("countdown delivery failed", logx.String("id", e.ID), logx.Err(err))
		}
	case <-e.stop:
	}
}

// fire delivers the alarm if this is the first mechanism to claim e.
func (s *Service) fire(ctx context.Context, e *entry, source string) error {
	if !e.claimed.CompareAndSwap(false, true) {
		s.log.Debug("countdown duplicate suppressed", logx.String("id", e.ID), logx.String("source", source))
		eventbus.Publish(s.bus, eventbus.CountdownDeduped, e.Timer)
		return nil
	}
	s.mu.Lock()
	if s.timers[e.Target] == e {
		delete(s.timers, e.Target)
	}
	s.mu.Unlock()
	if s.triggers != nil {
		s.triggers.Remove(e.ID)
	}

	eventbus.Publish(s.bus, eventbus.CountdownFired, e.Timer)
	if err := s.sender.Send(ctx, e.Target, FinishedText(e.Duration)); err != nil {
		return fmt.Errorf("countdown %s: %w", e.ID, err)
	}
	s.log.Info("countdown fired", logx.String("target", e.Target), logx.String("source", source))
	return nil
}

// Cancel stops the active countdown of target.
func (s *Service) Cancel(target string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.timers[strings.TrimSpace(target)]
	if e == nil {
		return false
	}
	// lost to a firing mechanism
	if !e.claimed.CompareAndSwap(false, true) {
		return false
	}
	s.disarmLocked(e)
	return true
}

// disarmLocked stops both mechanisms of e. Call with s.mu held.
func (s *Service) disarmLocked(e *entry) {
	e.claimed.Store(true)
	delete(s.timers, e.Target)
	close(e.stop)
	if s.triggers != nil {
		s.triggers.Remove(e.ID)
	}
}

// Active lists running countdowns ordered by fire time.
func (s *Service) Active() []Timer {
	s.mu.Lock()
	out := make([]Timer, 0, len(s.timers))
	for _, e := range s.timers {
		out = append(out, e.Timer)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].FireAt.Before(out[j].FireAt) })
	return out
}

// Close disarms every countdown.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.timers {
		s.disarmLocked(e)
	}
}

// StartedText is the acknowledgement for a new countdown, e.g. "倒數計時三分鐘開始...".
func StartedText(d time.Duration) string {
	return "倒數計時" + timeparse.FormatDuration(d) + "開始..."
}

func FinishedText(d time.Duration) string {
	return "⏰ 倒數計時" + timeparse.FormatDuration(d) + "結束！"
}
