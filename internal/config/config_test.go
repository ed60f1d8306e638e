package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if cfg.Engine.PollInterval() != 50*time.Millisecond {
		t.Errorf("Engine.PollInterval() = %v, want 50ms", cfg.Engine.PollInterval())
	}
	if cfg.Engine.CommandTimeout() != 2*time.Second {
		t.Errorf("Engine.CommandTimeout() = %v, want 2s", cfg.Engine.CommandTimeout())
	}
	if cfg.BLE.ServiceUUID == "" {
		t.Error("BLE.ServiceUUID should not be empty")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate, got %v", err)
	}
}

func TestLoad(t *testing.T) {
	yamlContent := `
log_level: debug
engine:
  poll_interval_ms: 10
  command_timeout_ms: 750
ble:
  service_uuid: "0000180f-0000-1000-8000-00805f9b34fb"
sim:
  battery: 55
  latency_ms: 5
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
	if cfg.Engine.PollInterval() != 10*time.Millisecond {
		t.Errorf("Engine.PollInterval() = %v, want 10ms", cfg.Engine.PollInterval())
	}
	if cfg.Engine.CommandTimeout() != 750*time.Millisecond {
		t.Errorf("Engine.CommandTimeout() = %v, want 750ms", cfg.Engine.CommandTimeout())
	}
	if cfg.BLE.ServiceUUID != "0000180f-0000-1000-8000-00805f9b34fb" {
		t.Errorf("BLE.ServiceUUID = %q", cfg.BLE.ServiceUUID)
	}
	// Fields absent from the file keep their defaults.
	if cfg.BLE.CommandCharUUID != Default().BLE.CommandCharUUID {
		t.Errorf("BLE.CommandCharUUID = %q, want default", cfg.BLE.CommandCharUUID)
	}
	if cfg.Sim.Battery != 55 {
		t.Errorf("Sim.Battery = %d, want 55", cfg.Sim.Battery)
	}
	if cfg.Sim.Latency() != 5*time.Millisecond {
		t.Errorf("Sim.Latency() = %v, want 5ms", cfg.Sim.Latency())
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Load() should return error for nonexistent file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.LogLevel = "invalid" },
			wantErr: true,
		},
		{
			name:    "zero poll interval",
			modify:  func(c *Config) { c.Engine.PollIntervalMS = 0 },
			wantErr: true,
		},
		{
			name:    "zero command timeout",
			modify:  func(c *Config) { c.Engine.CommandTimeoutMS = 0 },
			wantErr: true,
		},
		{
			name:    "empty response char uuid",
			modify:  func(c *Config) { c.BLE.ResponseCharUUID = "" },
			wantErr: true,
		},
		{
			name:    "battery out of range",
			modify:  func(c *Config) { c.Sim.Battery = 150 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo}, // defaults to info
		{"", slog.LevelInfo},        // defaults to info
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := ParseLogLevel(tt.input)
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
