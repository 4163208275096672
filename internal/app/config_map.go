package app

import (
	"fmt"
	"strings"
	"time"

	"remindbot/internal/config"
	"remindbot/internal/countdown"
	"remindbot/internal/dispatch"
	"remindbot/internal/notifier"
	"remindbot/internal/task/engine"
	"remindbot/internal/task/scheduler"
	kit "remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

func loadLocation(cfg *config.Config) (*time.Location, error) {
	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
	}
	return loc, nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File:    logx.FileConfig{Enabled: lc.File.Enabled, Path: lc.File.Path},
		Chat: logx.ChatConfig{
			Enabled:    lc.Chat.Enabled,
			MinLevel:   lc.Chat.MinLevel,
			RatePerSec: lc.Chat.RatePerSec,
		},
	}
}

// mapLogTarget resolves telegram.group_log. An empty or invalid value is the
// zero target, which keeps the chat sink quiet.
func mapLogTarget(cfg *config.Config) kit.ChatTarget {
	raw := strings.TrimSpace(cfg.Telegram.GroupLog)
	if raw == "" {
		return kit.ChatTarget{}
	}
	to, err := kit.ParseTarget(raw)
	if err != nil {
		return kit.ChatTarget{}
	}
	return to
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Enabled:  cfg.Scheduler.Enabled,
		Timezone: strings.TrimSpace(cfg.Scheduler.Timezone),
	}
}

// mapTaskEngineConfig keeps the engine on while the scheduler is on; every
// reminder trigger runs through it.
func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	te := config.TaskEngineConfig{}
	if cfg.TaskEngine != nil {
		te = *cfg.TaskEngine
	}
	if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 || te.RetryMax < 0 {
		return engine.Config{}, fmt.Errorf("task_engine: counts must be >= 0")
	}
	timeout, err := config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Enabled:        true,
		Workers:        te.Workers,
		QueueSize:      te.QueueSize,
		DefaultTimeout: timeout,
		HistorySize:    te.HistorySize,
		RetryMax:       te.RetryMax,
	}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	if cfg.Notifier == nil {
		return notifier.Config{}, nil
	}
	n := cfg.Notifier
	if n.RatePerSec < 0 || n.HistorySize < 0 {
		return notifier.Config{}, fmt.Errorf("notifier: counts must be >= 0")
	}
	timeout, err := config.ParseDurationField("notifier.timeout", n.Timeout)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{RatePerSec: n.RatePerSec, Timeout: timeout, HistorySize: n.HistorySize}, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	dc := cfg.Dispatch
	sweep, err := config.ParseDurationAtLeast("dispatch.sweep_interval", dc.SweepInterval, config.DefaultSweepInterval, time.Second)
	if err != nil {
		return dispatch.Config{}, err
	}
	tol, err := config.ParseDurationOrDefault("dispatch.tolerance", dc.Tolerance, config.DefaultTolerance)
	if err != nil {
		return dispatch.Config{}, err
	}
	if tol < sweep {
		return dispatch.Config{}, fmt.Errorf("dispatch.tolerance (%s) must be >= dispatch.sweep_interval (%s)", tol, sweep)
	}
	timeout, err := config.ParseDurationOrDefault("dispatch.delivery_timeout", dc.DeliveryTimeout, config.DefaultDeliveryTimeout)
	if err != nil {
		return dispatch.Config{}, err
	}
	oneShot := true
	if dc.OneShot != nil {
		oneShot = *dc.OneShot
	}
	return dispatch.Config{SweepInterval: sweep, Tolerance: tol, DeliveryTimeout: timeout, OneShot: oneShot}, nil
}

func mapCountdownConfig(cfg *config.Config) (countdown.Config, error) {
	cc := cfg.Countdown
	mode := countdown.Mode(strings.ToLower(strings.TrimSpace(cc.Mode)))
	switch mode {
	case "", countdown.ModeSingle, countdown.ModeRedundant:
	default:
		return countdown.Config{}, fmt.Errorf("countdown.mode: unknown mode %q", cc.Mode)
	}
	def, err := config.ParseDurationOrDefault("countdown.default", cc.Default, config.DefaultCountdown)
	if err != nil {
		return countdown.Config{}, err
	}
	limit, err := config.ParseDurationOrDefault("countdown.max", cc.Max, config.DefaultCountdownMax)
	if err != nil {
		return countdown.Config{}, err
	}
	if def > limit {
		return countdown.Config{}, fmt.Errorf("countdown.default (%s) exceeds countdown.max (%s)", def, limit)
	}
	return countdown.Config{Mode: mode, Default: def, Max: limit}, nil
}

// allowedChats returns nil when every chat may talk to the bot.
func allowedChats(cfg *config.Config) map[int64]struct{} {
	if len(cfg.Telegram.AllowedChats) == 0 {
		return nil
	}
	out := make(map[int64]struct{}, len(cfg.Telegram.AllowedChats))
	for _, id := range cfg.Telegram.AllowedChats {
		out[id] = struct{}{}
	}
	return out
}
