package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SQLITE_PATH", "/tmp/party.db")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "8080" {
		t.Fatalf("expected default port 8080, got %q", cfg.Port)
	}
	if cfg.SweepInterval != time.Minute {
		t.Fatalf("expected one minute sweep interval, got %s", cfg.SweepInterval)
	}
	if cfg.MaxCapacity != 200 || cfg.MaxNameLength != 50 {
		t.Fatalf("unexpected limits: capacity=%d name=%d", cfg.MaxCapacity, cfg.MaxNameLength)
	}
	if cfg.MaxLifetime != 168*time.Hour {
		t.Fatalf("expected 168h lifetime, got %s", cfg.MaxLifetime)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SQLITE_PATH", "/tmp/other.db")
	t.Setenv("SWEEP_INTERVAL", "30s")
	t.Setenv("MAX_CAPACITY", "12")
	t.Setenv("OTEL_ENABLED", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SQLitePath != "/tmp/other.db" {
		t.Fatalf("sqlite path = %q", cfg.SQLitePath)
	}
	if cfg.SweepInterval != 30*time.Second {
		t.Fatalf("sweep interval = %s", cfg.SweepInterval)
	}
	if cfg.MaxCapacity != 12 {
		t.Fatalf("max capacity = %d", cfg.MaxCapacity)
	}
	if cfg.OTelEnabled {
		t.Fatal("expected otel disabled")
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("MAX_CAPACITY", "0")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for zero capacity")
	}

	t.Setenv("MAX_CAPACITY", "5")
	t.Setenv("SWEEP_INTERVAL", "not-a-duration")
	if _, err := Load(); err == nil {
		t.Fatal("expected parse error for bad duration")
	}
}
