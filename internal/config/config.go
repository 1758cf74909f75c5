package config

import (
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.echat/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`

	Backoff  Backoff  `toml:"backoff"`
	Outbox   Outbox   `toml:"outbox"`
	Sync     Sync     `toml:"sync"`
	Matrix   Matrix   `toml:"matrix"`
	Telegram Telegram `toml:"telegram"`
}

// Backoff tunes retry behavior for reconnects and sends.
type Backoff struct {
	InitialMS            int     `toml:"initial_ms"`
	Multiplier           float64 `toml:"multiplier"`
	MaxIntervalMS        int     `toml:"max_interval_ms"`
	MaxSendAttempts      int     `toml:"max_send_attempts"`
	MaxReconnectAttempts int     `toml:"max_reconnect_attempts"`
}

// Interval returns the wait before the given 1-based retry attempt,
// growing exponentially up to the configured cap.
func (b Backoff) Interval(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	ms := float64(b.InitialMS) * math.Pow(b.Multiplier, float64(attempt-1))
	if max := float64(b.MaxIntervalMS); ms > max {
		ms = max
	}
	return time.Duration(ms) * time.Millisecond
}

// Outbox tunes the outbound command queue.
type Outbox struct {
	ReconcileTimeoutMS int `toml:"reconcile_timeout_ms"`
}

// ReconcileTimeout returns the window in which a provisional id must map
// to a server response before the message is failed.
func (o Outbox) ReconcileTimeout() time.Duration {
	return time.Duration(o.ReconcileTimeoutMS) * time.Millisecond
}

// Sync tunes the ingestion loops.
type Sync struct {
	HistoryPageSize int `toml:"history_page_size"`
}

// Matrix holds login hints for the Matrix backend.
type Matrix struct {
	Homeserver string `toml:"homeserver"`
}

// Telegram holds the application credentials required by the MTProto
// API. Obtained from my.telegram.org.
type Telegram struct {
	APIID   int    `toml:"api_id"`
	APIHash string `toml:"api_hash"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DefaultProfile: "main",
		Backoff: Backoff{
			InitialMS:            1000,
			Multiplier:           2.0,
			MaxIntervalMS:        60000,
			MaxSendAttempts:      5,
			MaxReconnectAttempts: 10,
		},
		Outbox: Outbox{ReconcileTimeoutMS: 30000},
		Sync:   Sync{HistoryPageSize: 50},
		Matrix: Matrix{Homeserver: "https://matrix.org"},
	}
}

// Load reads config from the given path, applying defaults for any
// missing fields. Returns an error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault reads config from path, falling back to defaults if the
// file does not exist.
func LoadOrDefault(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		return Default()
	}
	return cfg
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
