package config

import (
	"os"
	"strings"
)

// EnvTelegramToken overrides telegram.token when set.
const EnvTelegramToken = "REMINDBOT_TELEGRAM_TOKEN"

// applyEnv lets secrets live outside the config file (.env or the service unit).
func applyEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	if v := strings.TrimSpace(os.Getenv(EnvTelegramToken)); v != "" {
		cfg.Telegram.Token = v
	}
}
