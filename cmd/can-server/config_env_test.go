package main

import (
	"testing"
	"time"
)

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("CAN_SERVER_DEVICE", "/dev/ttyUSB7")
	t.Setenv("CAN_SERVER_PORT", "5001")
	t.Setenv("CAN_SERVER_SPEED", "1000")
	t.Setenv("CAN_SERVER_ECHO", "yes")
	t.Setenv("CAN_SERVER_LOG_METRICS_INTERVAL", "30s")
	cfg := validConfig()
	if err := applyEnvOverrides(cfg, map[string]struct{}{}); err != nil {
		t.Fatalf("applyEnvOverrides: %v", err)
	}
	if cfg.device != "/dev/ttyUSB7" || cfg.port != 5001 || cfg.speed != 1000 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if !cfg.echo {
		t.Fatal("echo not applied")
	}
	if cfg.logMetricsEvery != 30*time.Second {
		t.Fatalf("logMetricsEvery = %v", cfg.logMetricsEvery)
	}
}

func TestApplyEnvOverrides_FlagWins(t *testing.T) {
	t.Setenv("CAN_SERVER_PORT", "5001")
	t.Setenv("CAN_SERVER_SPEED", "1000")
	cfg := validConfig()
	set := map[string]struct{}{"port": {}, "speed": {}}
	if err := applyEnvOverrides(cfg, set); err != nil {
		t.Fatalf("applyEnvOverrides: %v", err)
	}
	if cfg.port != 4444 || cfg.speed != 500 {
		t.Fatalf("flag values overridden: %+v", cfg)
	}
}

func TestApplyEnvOverrides_BadNumber(t *testing.T) {
	t.Setenv("CAN_SERVER_PORT", "not-a-port")
	cfg := validConfig()
	if err := applyEnvOverrides(cfg, map[string]struct{}{}); err == nil {
		t.Fatal("bad number accepted")
	}
}
