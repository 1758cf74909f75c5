package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Default()
	cfg.DefaultProfile = "work"
	cfg.Telegram.APIID = 12345
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultProfile != "work" {
		t.Errorf("DefaultProfile = %q, want %q", loaded.DefaultProfile, "work")
	}
	if loaded.Telegram.APIID != 12345 {
		t.Errorf("Telegram.APIID = %d, want 12345", loaded.Telegram.APIID)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")
	if err := os.WriteFile(path, []byte("default_profile = \"alt\"\n"), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Backoff.MaxSendAttempts != 5 {
		t.Errorf("MaxSendAttempts = %d, want default 5", cfg.Backoff.MaxSendAttempts)
	}
	if cfg.Sync.HistoryPageSize != 50 {
		t.Errorf("HistoryPageSize = %d, want default 50", cfg.Sync.HistoryPageSize)
	}
}

func TestBackoffInterval(t *testing.T) {
	b := Backoff{InitialMS: 1000, Multiplier: 2.0, MaxIntervalMS: 5000}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second}, // capped
		{10, 5 * time.Second},
	}
	for _, c := range cases {
		if got := b.Interval(c.attempt); got != c.want {
			t.Errorf("Interval(%d) = %v, want %v", c.attempt, got, c.want)
		}
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
