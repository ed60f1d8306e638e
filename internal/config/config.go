package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	LogLevel string       `yaml:"log_level"`
	Engine   EngineConfig `yaml:"engine"`
	BLE      BLEConfig    `yaml:"ble"`
	Sim      SimConfig    `yaml:"sim"`
}

// EngineConfig holds command queue settings.
type EngineConfig struct {
	PollIntervalMS   int `yaml:"poll_interval_ms"`   // queue drain check interval
	CommandTimeoutMS int `yaml:"command_timeout_ms"` // sliding timeout per command
}

// PollInterval returns the drain check interval as a duration.
func (e EngineConfig) PollInterval() time.Duration {
	return time.Duration(e.PollIntervalMS) * time.Millisecond
}

// CommandTimeout returns the per-command sliding timeout as a duration.
func (e EngineConfig) CommandTimeout() time.Duration {
	return time.Duration(e.CommandTimeoutMS) * time.Millisecond
}

// BLEConfig identifies the wristband's GATT surface. The defaults are the
// Nordic UART Service UUIDs most wristband firmwares expose.
type BLEConfig struct {
	ServiceUUID      string `yaml:"service_uuid"`
	CommandCharUUID  string `yaml:"command_char_uuid"`  // write
	ResponseCharUUID string `yaml:"response_char_uuid"` // notify
}

// SimConfig holds simulated-firmware settings for the demo binary.
type SimConfig struct {
	Battery       int `yaml:"battery"`
	LatencyMS     int `yaml:"latency_ms"`
	MotionSamples int `yaml:"motion_samples"`
}

// Latency returns the simulated response latency as a duration.
func (s SimConfig) Latency() time.Duration {
	return time.Duration(s.LatencyMS) * time.Millisecond
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "wristlink")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Engine: EngineConfig{
			PollIntervalMS:   50,
			CommandTimeoutMS: 2000,
		},
		BLE: BLEConfig{
			ServiceUUID:      "6e400001-b5a3-f393-e0a9-e50e24dcca9e",
			CommandCharUUID:  "6e400002-b5a3-f393-e0a9-e50e24dcca9e",
			ResponseCharUUID: "6e400003-b5a3-f393-e0a9-e50e24dcca9e",
		},
		Sim: SimConfig{
			Battery:       87,
			LatencyMS:     20,
			MotionSamples: 10,
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled with
// defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	if c.Engine.PollIntervalMS <= 0 {
		return fmt.Errorf("engine.poll_interval_ms must be > 0")
	}
	if c.Engine.CommandTimeoutMS <= 0 {
		return fmt.Errorf("engine.command_timeout_ms must be > 0")
	}

	if c.BLE.ServiceUUID == "" || c.BLE.CommandCharUUID == "" || c.BLE.ResponseCharUUID == "" {
		return fmt.Errorf("ble UUIDs must not be empty")
	}

	if c.Sim.Battery < 0 || c.Sim.Battery > 100 {
		return fmt.Errorf("sim.battery must be 0-100, got %d", c.Sim.Battery)
	}
	return nil
}

// ParseLogLevel maps a config log level string to a slog.Level. Unknown
// values default to info.
func ParseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
