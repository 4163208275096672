package app

import (
	"strings"
	"testing"
	"time"

	"remindbot/internal/config"
	"remindbot/internal/countdown"
	kit "remindbot/internal/transport"
)

func TestMapDispatchConfigDefaults(t *testing.T) {
	t.Parallel()
	dc, err := mapDispatchConfig(&config.Config{})
	if err != nil {
		t.Fatalf("mapDispatchConfig: %v", err)
	}
	if dc.SweepInterval != 60*time.Second || dc.Tolerance != 120*time.Second || dc.DeliveryTimeout != 10*time.Second || !dc.OneShot {
		t.Fatalf("defaults = %+v", dc)
	}

	off := false
	dc, err = mapDispatchConfig(&config.Config{Dispatch: config.DispatchConfig{SweepInterval: "30s", Tolerance: "30s", OneShot: &off}})
	if err != nil {
		t.Fatalf("mapDispatchConfig: %v", err)
	}
	if dc.SweepInterval != 30*time.Second || dc.OneShot {
		t.Fatalf("explicit = %+v", dc)
	}
}

func TestMapDispatchConfigRejectsNarrowTolerance(t *testing.T) {
	t.Parallel()
	_, err := mapDispatchConfig(&config.Config{Dispatch: config.DispatchConfig{SweepInterval: "2m", Tolerance: "1m"}})
	if err == nil || !strings.Contains(err.Error(), "dispatch.tolerance") {
		t.Fatalf("err = %v", err)
	}
}

func TestMapCountdownConfig(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		in      config.CountdownConfig
		want    countdown.Config
		wantErr string
	}{
		{name: "defaults", want: countdown.Config{Default: 3 * time.Minute, Max: 24 * time.Hour}},
		{name: "redundant", in: config.CountdownConfig{Mode: " Redundant ", Default: "5m"}, want: countdown.Config{Mode: countdown.ModeRedundant, Default: 5 * time.Minute, Max: 24 * time.Hour}},
		{name: "bad mode", in: config.CountdownConfig{Mode: "double"}, wantErr: "countdown.mode"},
		{name: "default over max", in: config.CountdownConfig{Default: "2h", Max: "1h"}, wantErr: "exceeds"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := mapCountdownConfig(&config.Config{Countdown: tc.in})
			if tc.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("err = %v, want %q", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("err = %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("Asia/Taipei", 8*3600)

	sc, err := mapStorageConfig(&config.Config{}, loc)
	if err != nil || sc.Driver != "memory" || sc.Location != loc {
		t.Fatalf("nil section = %+v, %v", sc, err)
	}
	sc, err = mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "SQLite", Path: "x.db"}}, loc)
	if err != nil || sc.Driver != "sqlite" || sc.BusyTimeout != time.Second {
		t.Fatalf("sqlite = %+v, %v", sc, err)
	}
	sc, err = mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "redis", Addr: "127.0.0.1:6379"}}, loc)
	if err != nil || sc.Prefix != "remindbot" {
		t.Fatalf("redis = %+v, %v", sc, err)
	}
	if _, err := mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "sqlite"}}, loc); err == nil {
		t.Fatal("sqlite without path accepted")
	}
	if _, err := mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "mongo"}}, loc); err == nil {
		t.Fatal("unknown driver accepted")
	}
}

func TestMapLogTargetAndAllowedChats(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Telegram: config.TelegramConfig{GroupLog: "-1001:7", AllowedChats: []int64{1, 2}}}
	if got := mapLogTarget(cfg); got != (kit.ChatTarget{ChatID: -1001, ThreadID: 7}) {
		t.Fatalf("target = %+v", got)
	}
	if got := mapLogTarget(&config.Config{Telegram: config.TelegramConfig{GroupLog: "ops"}}); got != (kit.ChatTarget{}) {
		t.Fatalf("invalid target = %+v", got)
	}
	allowed := allowedChats(cfg)
	if _, ok := allowed[2]; !ok || len(allowed) != 2 {
		t.Fatalf("allowed = %v", allowed)
	}
	if allowedChats(&config.Config{}) != nil {
		t.Fatal("empty list must allow every chat")
	}
}

func TestMapTaskEngineConfig(t *testing.T) {
	t.Parallel()
	ec, err := mapTaskEngineConfig(&config.Config{TaskEngine: &config.TaskEngineConfig{Workers: 4, DefaultTimeout: "30s"}})
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if !ec.Enabled || ec.Workers != 4 || ec.DefaultTimeout != 30*time.Second {
		t.Fatalf("got %+v", ec)
	}
	if _, err := mapTaskEngineConfig(&config.Config{TaskEngine: &config.TaskEngineConfig{Workers: -1}}); err == nil {
		t.Fatal("negative workers accepted")
	}
}
