package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestValidateRejectsBadSizing(t *testing.T) {
	cases := []func(*Config){
		func(c *Config) { c.Dispatch.ConnectionsPerWorker = 0 },
		func(c *Config) { c.Dispatch.MaxWorkers = -1 },
		func(c *Config) { c.Dispatch.SendRetries = -2 },
		func(c *Config) { c.Dispatch.PlanCodec = "lz4" },
	}
	for i, mutate := range cases {
		cfg := DefaultConfig()
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := DefaultConfig()
	if cfg.Dispatch.ConnectionsPerWorker != want.Dispatch.ConnectionsPerWorker {
		t.Errorf("connections per worker = %d, want %d", cfg.Dispatch.ConnectionsPerWorker, want.Dispatch.ConnectionsPerWorker)
	}
	if cfg.Dispatch.CancelTimeout != want.Dispatch.CancelTimeout {
		t.Errorf("cancel timeout = %v, want %v", cfg.Dispatch.CancelTimeout, want.Dispatch.CancelTimeout)
	}
	if cfg.Dispatch.PlanCodec != CodecSnappy {
		t.Errorf("plan codec = %q, want snappy", cfg.Dispatch.PlanCodec)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mppdisp.yaml")
	content := []byte(`
dispatch:
  connections_per_worker: 8
  max_plan_size_kb: 2048
  plan_codec: zstd
  cancel_timeout: 250ms
segment:
  listen_addr: "127.0.0.1:7001"
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("MPPDISP_DISPATCH_MAX_WORKERS", "3")
	t.Setenv("MPPDISP_LOG_LEVEL", "DEBUG")

	cfg, err := Load(path, "MPPDISP_")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Dispatch.ConnectionsPerWorker != 8 {
		t.Errorf("connections per worker = %d, want 8", cfg.Dispatch.ConnectionsPerWorker)
	}
	if cfg.Dispatch.MaxPlanSizeKB != 2048 {
		t.Errorf("max plan size = %d, want 2048", cfg.Dispatch.MaxPlanSizeKB)
	}
	if cfg.Dispatch.PlanCodec != CodecZstd {
		t.Errorf("plan codec = %q, want zstd", cfg.Dispatch.PlanCodec)
	}
	if cfg.Dispatch.CancelTimeout != 250*time.Millisecond {
		t.Errorf("cancel timeout = %v, want 250ms", cfg.Dispatch.CancelTimeout)
	}
	if cfg.Dispatch.MaxWorkers != 3 {
		t.Errorf("max workers from env = %d, want 3", cfg.Dispatch.MaxWorkers)
	}
	if cfg.Log.Level != "DEBUG" {
		t.Errorf("log level from env = %q, want DEBUG", cfg.Log.Level)
	}
	if cfg.Segment.ListenAddr != "127.0.0.1:7001" {
		t.Errorf("listen addr = %q", cfg.Segment.ListenAddr)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), ""); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
