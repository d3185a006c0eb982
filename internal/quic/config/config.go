// Package config holds the YAML-loaded tuning knobs for a connection:
// window sizes, loss detection mode, AEAD algorithm choice, FEC shard
// counts, BBR parameters, and telemetry toggles: nested structs, yaml
// tags, and a DefaultConfig constructor callers can override from a
// file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the root configuration for one endpoint.
type Config struct {
	Loss      LossConfig      `yaml:"loss"`
	AEAD      AEADConfig      `yaml:"aead"`
	FEC       FECConfig       `yaml:"fec"`
	BBR       BBRConfig       `yaml:"bbr"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// LossConfig selects the loss detection mode and its parameters.
type LossConfig struct {
	// Mode is one of "nack", "lazy_fack", "time", "adaptive_time".
	Mode                   string `yaml:"mode"`
	InitialReorderingShift int    `yaml:"initial_reordering_shift"`
}

// AEADConfig selects the packet protection algorithm.
type AEADConfig struct {
	// Algorithm is one of "aes128gcm12", "aes128gcm", "aes256gcm",
	// "chacha20poly1305", "chacha20poly1305tls".
	Algorithm string `yaml:"algorithm"`
}

// FECConfig configures Initial-space redundancy groups. RedundantShards
// of 0 disables FEC entirely.
type FECConfig struct {
	GroupSize       int `yaml:"group_size"`
	RedundantShards int `yaml:"redundant_shards"`
}

// BBRConfig mirrors the knobs BBR's Config accepts.
type BBRConfig struct {
	InitialCwndPackets int           `yaml:"initial_cwnd_packets"`
	MinRTT             time.Duration `yaml:"min_rtt"`
	MaxBandwidthBps    uint64        `yaml:"max_bandwidth_bps"`
}

// TelemetryConfig toggles metrics and tracing and points at their
// collectors.
type TelemetryConfig struct {
	MetricsEnabled bool   `yaml:"metrics_enabled"`
	MetricsAddr    string `yaml:"metrics_addr"`

	TracingEnabled bool   `yaml:"tracing_enabled"`
	// Exporter selects the span exporter: "jaeger" or "zipkin".
	Exporter     string `yaml:"exporter"`
	ExporterAddr string `yaml:"exporter_addr"`
}

// DefaultConfig returns sane defaults: AdaptiveTime loss detection,
// AES-128-GCM AEAD, FEC disabled, default BBR, telemetry off.
func DefaultConfig() *Config {
	return &Config{
		Loss: LossConfig{
			Mode:                   "adaptive_time",
			InitialReorderingShift: 4,
		},
		AEAD: AEADConfig{
			Algorithm: "aes128gcm",
		},
		FEC: FECConfig{
			GroupSize:       4,
			RedundantShards: 0,
		},
		BBR: BBRConfig{
			InitialCwndPackets: 10,
			MinRTT:             10 * time.Millisecond,
			MaxBandwidthBps:    100 * 1024 * 1024,
		},
		Telemetry: TelemetryConfig{
			MetricsEnabled: false,
			TracingEnabled: false,
			Exporter:       "jaeger",
		},
	}
}

// Load reads and parses a YAML config file, starting from
// DefaultConfig so a partial file only overrides what it specifies.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}
