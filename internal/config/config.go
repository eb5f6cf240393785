// Package config loads quizsync configuration from a YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all quizsync knobs. None of the timing values affect the
// correctness of the offset math; they are scheduling and presentation
// defaults.
type Config struct {
	Server struct {
		Addr      string `yaml:"addr"`
		NTPServer string `yaml:"ntp_server"`
	} `yaml:"server"`

	NATS struct {
		URL           string `yaml:"url"`
		SubjectPrefix string `yaml:"subject_prefix"`
	} `yaml:"nats"`

	Sync struct {
		IntervalMs    int `yaml:"interval_ms"`
		MinIntervalMs int `yaml:"min_interval_ms"`
	} `yaml:"sync"`

	Countdown struct {
		TickMs      int `yaml:"tick_ms"`
		WarningSec  int `yaml:"warning_sec"`
		CriticalSec int `yaml:"critical_sec"`
	} `yaml:"countdown"`
}

// Default returns the protocol defaults.
func Default() Config {
	var cfg Config
	cfg.Server.Addr = ":8080"
	cfg.NATS.URL = "nats://127.0.0.1:4222"
	cfg.NATS.SubjectPrefix = "quiz.deadline"
	cfg.Sync.IntervalMs = 30000
	cfg.Sync.MinIntervalMs = 5000
	cfg.Countdown.TickMs = 100
	cfg.Countdown.WarningSec = 5
	cfg.Countdown.CriticalSec = 3
	return cfg
}

// Load reads the YAML file at path (optional, "" skips it) and applies
// environment overrides on top of the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.Server.Addr = getEnv("QUIZSYNC_ADDR", cfg.Server.Addr)
	cfg.Server.NTPServer = getEnv("QUIZSYNC_NTP_SERVER", cfg.Server.NTPServer)
	cfg.NATS.URL = getEnv("QUIZSYNC_NATS_URL", cfg.NATS.URL)
	cfg.NATS.SubjectPrefix = getEnv("QUIZSYNC_NATS_SUBJECT_PREFIX", cfg.NATS.SubjectPrefix)
	cfg.Sync.IntervalMs = getEnvAsInt("QUIZSYNC_SYNC_INTERVAL_MS", cfg.Sync.IntervalMs)
	cfg.Sync.MinIntervalMs = getEnvAsInt("QUIZSYNC_SYNC_MIN_INTERVAL_MS", cfg.Sync.MinIntervalMs)
	cfg.Countdown.TickMs = getEnvAsInt("QUIZSYNC_TICK_MS", cfg.Countdown.TickMs)
	cfg.Countdown.WarningSec = getEnvAsInt("QUIZSYNC_WARNING_SEC", cfg.Countdown.WarningSec)
	cfg.Countdown.CriticalSec = getEnvAsInt("QUIZSYNC_CRITICAL_SEC", cfg.Countdown.CriticalSec)

	return cfg, nil
}

// SyncInterval returns the periodic re-sync interval as a duration.
func (c Config) SyncInterval() time.Duration {
	return time.Duration(c.Sync.IntervalMs) * time.Millisecond
}

// MinSyncInterval returns the rate-limit floor as a duration.
func (c Config) MinSyncInterval() time.Duration {
	return time.Duration(c.Sync.MinIntervalMs) * time.Millisecond
}

// TickInterval returns the countdown tick period as a duration.
func (c Config) TickInterval() time.Duration {
	return time.Duration(c.Countdown.TickMs) * time.Millisecond
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
