package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
	if cfg.Workers.Count <= 0 {
		t.Fatalf("default worker count must be positive, got %d", cfg.Workers.Count)
	}
	if cfg.Cache.L1.MaxBytes >= cfg.Cache.L2.MaxBytes || cfg.Cache.L2.MaxBytes >= cfg.Cache.L3.MaxBytes {
		t.Fatal("tier budgets must grow from L1 to L3")
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "perfsup.yaml")
	raw := `
workers:
  count: 3
task_queue:
  task_timeout: 5s
load_balancer:
  algorithm: least_connections
auto_scaler:
  cooldown_period: 90s
`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Workers.Count != 3 {
		t.Fatalf("expected workers.count 3, got %d", cfg.Workers.Count)
	}
	if cfg.TaskQueue.TaskTimeout.Std() != 5*time.Second {
		t.Fatalf("expected 5s task timeout, got %v", cfg.TaskQueue.TaskTimeout.Std())
	}
	if cfg.Balancer.Algorithm != "least_connections" {
		t.Fatalf("expected least_connections, got %q", cfg.Balancer.Algorithm)
	}
	if cfg.Scaler.CooldownPeriod.Std() != 90*time.Second {
		t.Fatalf("expected 90s cooldown, got %v", cfg.Scaler.CooldownPeriod.Std())
	}
	// Untouched sections keep their defaults.
	if cfg.Cache.L3.MaxBytes != 256<<20 {
		t.Fatalf("expected default L3 budget, got %d", cfg.Cache.L3.MaxBytes)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("monitor:\n  interval: soon\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error for invalid duration")
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero restart threshold", func(c *Config) { c.Workers.RestartThreshold = 0 }},
		{"restart threshold above one", func(c *Config) { c.Workers.RestartThreshold = 1.5 }},
		{"zero task timeout", func(c *Config) { c.TaskQueue.TaskTimeout = 0 }},
		{"zero queue depth", func(c *Config) { c.TaskQueue.MaxQueueDepth = 0 }},
		{"zero tier budget", func(c *Config) { c.Cache.L2.MaxBytes = 0 }},
		{"zero tier ttl", func(c *Config) { c.Cache.L1.TTL = 0 }},
		{"unknown algorithm", func(c *Config) { c.Balancer.Algorithm = "random" }},
		{"zero min instances", func(c *Config) { c.Scaler.MinInstances = 0 }},
		{"max below min", func(c *Config) { c.Scaler.MinInstances = 4; c.Scaler.MaxInstances = 2 }},
		{"inverted thresholds", func(c *Config) { c.Scaler.ScaleDownThreshold = 90 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestDurationRoundTrip(t *testing.T) {
	d := Duration(250 * time.Millisecond)
	if d.Std() != 250*time.Millisecond {
		t.Fatalf("Std mismatch: %v", d.Std())
	}
}
