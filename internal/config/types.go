package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`

	// Scheduler controls trigger behavior (cron/interval/once) and the
	// service timezone used for every reminder.
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine controls execution settings for triggered jobs.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	Dispatch  DispatchConfig  `json:"dispatch"`
	Countdown CountdownConfig `json:"countdown"`

	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
	// AllowedChats limits which chats may talk to the bot. Empty allows all.
	AllowedChats []int64 `json:"allowed_chats,omitempty"`
	// GroupLog is the operator chat for forwarded log lines ("<chat>" or "<chat>:<thread>").
	GroupLog string `json:"group_log,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Chat    LoggingChat `json:"chat"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingChat struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// Timezone is an IANA name; empty means the host local zone.
	Timezone string `json:"timezone,omitempty"`
}

// TaskEngineConfig controls the task execution engine.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 0
type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
}

// DispatchConfig controls the reminder sweep and one-shot timers.
//
// Defaults: sweep_interval "60s", tolerance "120s", delivery_timeout "10s",
// one_shot true. Tolerance must be at least the sweep interval, otherwise a
// reminder may fall between two sweeps.
type DispatchConfig struct {
	SweepInterval   string `json:"sweep_interval,omitempty"`
	Tolerance       string `json:"tolerance,omitempty"`
	DeliveryTimeout string `json:"delivery_timeout,omitempty"`
	OneShot         *bool  `json:"one_shot,omitempty"`
	// Decorate prefixes deliveries with "⏰ 提醒 MM/DD HH:MM". Read at start only.
	Decorate bool `json:"decorate,omitempty"`
}

// CountdownConfig controls ephemeral countdown timers.
type CountdownConfig struct {
	// Mode is "single" (default) or "redundant".
	Mode    string `json:"mode,omitempty"`
	Default string `json:"default,omitempty"` // default "3m"
	Max     string `json:"max,omitempty"`     // default "24h"
}

// NotifierConfig controls outbound delivery. Deliveries are never retried.
type NotifierConfig struct {
	RatePerSec  int    `json:"rate_per_sec"`
	Timeout     string `json:"timeout,omitempty"`
	HistorySize int    `json:"history_size,omitempty"`
}

// StorageConfig selects the reminder store backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./remindbot.db" }
//	"storage": { "driver": "redis", "addr": "127.0.0.1:6379", "prefix": "remindbot" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite

	Addr     string `json:"addr,omitempty"` // redis
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}
