// ABOUTME: Tests for telemetry configuration defaults, environment overrides and validation
// ABOUTME: Uses t.Setenv so overrides never leak between tests

package telemetry

import (
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.ServiceName != "indy" {
		t.Errorf("expected service name 'indy', got %q", cfg.ServiceName)
	}
	if cfg.Enabled {
		t.Error("expected telemetry to be disabled by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("INDY_TELEMETRY_ENABLED", "true")
	t.Setenv("INDY_TELEMETRY_EXPORTERS", "stdout, otlp")
	t.Setenv("INDY_TELEMETRY_SAMPLE_RATE", "0.25")
	t.Setenv("INDY_TELEMETRY_EXPORT_INTERVAL", "10s")

	cfg := DefaultConfig()
	cfg.LoadFromEnv()

	if !cfg.Enabled {
		t.Error("expected Enabled from environment")
	}
	if !cfg.HasExporter("stdout") || !cfg.HasExporter("otlp") {
		t.Errorf("unexpected exporters: %v", cfg.Exporters)
	}
	if cfg.SampleRate != 0.25 {
		t.Errorf("expected sample rate 0.25, got %f", cfg.SampleRate)
	}
	if cfg.ExportInterval != 10*time.Second {
		t.Errorf("expected 10s export interval, got %s", cfg.ExportInterval)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"sample rate above one", func(c *Config) { c.SampleRate = 1.5 }},
		{"unknown exporter", func(c *Config) { c.Exporters = []string{"jaeger"} }},
		{"zero export interval", func(c *Config) { c.ExportInterval = 0 }},
		{"zero batch timeout", func(c *Config) { c.BatchTimeout = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
