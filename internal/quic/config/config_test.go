package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Loss.Mode != "adaptive_time" {
		t.Errorf("Loss.Mode = %q, want adaptive_time", cfg.Loss.Mode)
	}
	if cfg.AEAD.Algorithm != "aes128gcm" {
		t.Errorf("AEAD.Algorithm = %q, want aes128gcm", cfg.AEAD.Algorithm)
	}
	if cfg.FEC.RedundantShards != 0 {
		t.Errorf("FEC.RedundantShards = %d, want 0 (disabled by default)", cfg.FEC.RedundantShards)
	}
	if cfg.Telemetry.MetricsEnabled || cfg.Telemetry.TracingEnabled {
		t.Error("telemetry should be disabled by default")
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "loss:\n  mode: lazy_fack\nfec:\n  group_size: 8\n  redundant_shards: 3\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Loss.Mode != "lazy_fack" {
		t.Errorf("Loss.Mode = %q, want lazy_fack", cfg.Loss.Mode)
	}
	if cfg.FEC.GroupSize != 8 || cfg.FEC.RedundantShards != 3 {
		t.Errorf("FEC = %+v, want GroupSize=8 RedundantShards=3", cfg.FEC)
	}
	// Unspecified fields keep their default.
	if cfg.AEAD.Algorithm != "aes128gcm" {
		t.Errorf("AEAD.Algorithm = %q, want unchanged default aes128gcm", cfg.AEAD.Algorithm)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.yaml"); err == nil {
		t.Fatal("Load should fail for a missing file")
	}
}
