package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DefaultSweepInterval   = 60 * time.Second
	DefaultTolerance       = 120 * time.Second
	DefaultDeliveryTimeout = 10 * time.Second
	DefaultCountdown       = 3 * time.Minute
	DefaultCountdownMax    = 24 * time.Hour
)

// Validate checks every field that would otherwise fail later at wiring time.
// Errors carry the field path.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if _, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		add(err)
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	if te := cfg.TaskEngine; te != nil {
		if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 || te.RetryMax < 0 {
			add(errors.New("task_engine: counts must be >= 0"))
		}
		if _, err := ParseDurationField("task_engine.default_timeout", te.DefaultTimeout); err != nil {
			add(err)
		}
	}

	sweep, err := ParseDurationAtLeast("dispatch.sweep_interval", cfg.Dispatch.SweepInterval, DefaultSweepInterval, time.Second)
	add(err)
	tol, err := ParseDurationOrDefault("dispatch.tolerance", cfg.Dispatch.Tolerance, DefaultTolerance)
	add(err)
	_, err = ParseDurationOrDefault("dispatch.delivery_timeout", cfg.Dispatch.DeliveryTimeout, DefaultDeliveryTimeout)
	add(err)
	if sweep > 0 && tol > 0 && tol < sweep {
		add(fmt.Errorf("dispatch.tolerance (%s) must be >= dispatch.sweep_interval (%s)", tol, sweep))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Countdown.Mode)) {
	case "", "single", "redundant":
	default:
		add(fmt.Errorf("countdown.mode: unknown mode %q", cfg.Countdown.Mode))
	}
	def, err := ParseDurationOrDefault("countdown.default", cfg.Countdown.Default, DefaultCountdown)
	add(err)
	limit, err := ParseDurationOrDefault("countdown.max", cfg.Countdown.Max, DefaultCountdownMax)
	add(err)
	if def > 0 && limit > 0 && def > limit {
		add(fmt.Errorf("countdown.default (%s) exceeds countdown.max (%s)", def, limit))
	}

	if n := cfg.Notifier; n != nil {
		if n.RatePerSec < 0 || n.HistorySize < 0 {
			add(errors.New("notifier: counts must be >= 0"))
		}
		if _, err := ParseDurationField("notifier.timeout", n.Timeout); err != nil {
			add(err)
		}
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none", "memory", "file":
		case "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				add(errors.New("storage.path is required when storage.driver=sqlite"))
			}
			if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
				add(err)
			}
		case "redis":
			if strings.TrimSpace(s.Addr) == "" {
				add(errors.New("storage.addr is required when storage.driver=redis"))
			}
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
	}

	return errors.Join(errs...)
}
