package main

import (
	"os"
	"path/filepath"
	"testing"
)

func validConfig() *appConfig {
	return &appConfig{
		port:       4444,
		baud:       115200,
		speed:      500,
		logFormat:  "text",
		pidfile:    "/tmp/canserver.pid",
		maxClients: 3,
		hubBuffer:  512,
	}
}

func TestValidate_OK(t *testing.T) {
	if err := validConfig().validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidate_Failures(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*appConfig)
	}{
		{"missing speed", func(c *appConfig) { c.speed = 0 }},
		{"speed too low", func(c *appConfig) { c.speed = 5 }},
		{"speed too high", func(c *appConfig) { c.speed = 3001 }},
		{"bad log format", func(c *appConfig) { c.logFormat = "xml" }},
		{"port zero", func(c *appConfig) { c.port = 0 }},
		{"port too high", func(c *appConfig) { c.port = 70000 }},
		{"baud zero", func(c *appConfig) { c.baud = 0 }},
		{"max clients zero", func(c *appConfig) { c.maxClients = 0 }},
		{"hub buffer zero", func(c *appConfig) { c.hubBuffer = 0 }},
	}
	for _, c := range cases {
		cfg := validConfig()
		c.mutate(cfg)
		if err := cfg.validate(); err == nil {
			t.Errorf("%s: validate accepted bad config", c.name)
		}
	}
}

func TestValidate_CheckModeNeedsNoSpeed(t *testing.T) {
	cfg := validConfig()
	cfg.speed = 0
	cfg.checkFile = "objects.dat"
	if err := cfg.validate(); err != nil {
		t.Fatalf("check mode: %v", err)
	}
}

func TestApplyFileDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "canserver.ini")
	content := "device = /dev/ttyUSB3\nport = 5555\nspeed = 250\necho = true\nverbose = 2\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := validConfig()
	// The port flag was set explicitly: the file must not override it.
	set := map[string]struct{}{"port": {}}
	if err := applyFileDefaults(cfg, path, set); err != nil {
		t.Fatalf("applyFileDefaults: %v", err)
	}
	if cfg.device != "/dev/ttyUSB3" {
		t.Errorf("device = %q", cfg.device)
	}
	if cfg.port != 4444 {
		t.Errorf("port overridden by file: %d", cfg.port)
	}
	if cfg.speed != 250 || !cfg.echo || cfg.verbose != 2 {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestApplyFileDefaults_BadFile(t *testing.T) {
	cfg := validConfig()
	if err := applyFileDefaults(cfg, "/nonexistent/canserver.ini", nil); err == nil {
		t.Fatal("missing file accepted")
	}
}
