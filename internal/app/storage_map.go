package app

import (
	"fmt"
	"strings"
	"time"

	"remindbot/internal/config"
	"remindbot/internal/storage"
)

// mapStorageConfig turns the storage section into a backend config. A missing
// section selects the in-memory store.
func mapStorageConfig(cfg *config.Config, loc *time.Location) (storage.Config, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{Driver: "memory", Location: loc}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "", "none", "memory":
		return storage.Config{Driver: "memory", Location: loc}, nil
	case "file":
		return storage.Config{Driver: "file", Path: path, Location: loc}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy, Location: loc}, nil
	case "redis":
		addr := strings.TrimSpace(sc.Addr)
		if addr == "" {
			return storage.Config{}, fmt.Errorf("storage.addr is required when storage.driver=redis")
		}
		prefix := strings.TrimSpace(sc.Prefix)
		if prefix == "" {
			prefix = "remindbot"
		}
		return storage.Config{Driver: "redis", Addr: addr, Password: sc.Password, DB: sc.DB, Prefix: prefix, Location: loc}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}
