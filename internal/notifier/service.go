package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"remindbot/internal/eventbus"
	kit "remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

var ErrEmptyText = errors.New("notifier: empty text")

// Service is safe for concurrent use.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	sender  kit.Sender
	log     logx.Logger
	bus     eventbus.Bus

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, sender kit.Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		sender: sender,
		log:    log.With(logx.String("comp", "notifier")),
		bus:    bus,
	}
	s.Apply(cfg)
	return s
}

// Apply swaps rate and timeout. In-flight sends keep the limiter they started with.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.limiter == nil || s.cfg.RatePerSec != cfg.RatePerSec {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	s.cfg = cfg
}

// Send delivers text to target (an owner id, see transport.ParseTarget) once.
// It never retries; a nil error means the transport accepted the message.
func (s *Service) Send(ctx context.Context, target, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyText
	}
	to, err := kit.ParseTarget(target)
	if err != nil {
		return s.fail(target, text, fmt.Errorf("notifier: %w", err))
	}

	s.mu.Lock()
	lim := s.limiter
	timeout := s.cfg.Timeout
	s.mu.Unlock()

	if err := lim.Wait(ctx); err != nil {
		return s.fail(target, text, fmt.Errorf("notifier: rate limit wait: %w", err))
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if _, err := s.sender.SendText(callCtx, to, text, nil); err != nil {
		return s.fail(target, text, fmt.Errorf("notifier: send to %s: %w", target, err))
	}

	now := time.Now()
	s.appendHistory(HistoryItem{At: now, Target: target, Text: text})
	eventbus.Publish(s.bus, eventbus.DeliverySent, DeliveryEvent{Target: target, At: now})
	s.log.Debug("message delivered", logx.String("target", target))
	return nil
}

func (s *Service) fail(target, text string, err error) error {
	now := time.Now()
	s.appendHistory(HistoryItem{At: now, Target: target, Text: text, Error: err.Error()})
	eventbus.Publish(s.bus, eventbus.DeliveryFailed, DeliveryEvent{Target: target, At: now, Error: err.Error()})
	s.log.Warn("delivery failed", logx.String("target", target), logx.Err(err))
	return err
}

// History returns recent deliveries, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(it HistoryItem) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, it)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}
