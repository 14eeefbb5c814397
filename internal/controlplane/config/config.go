// Package config provides configuration loading for the discovery server.
// Configuration sources (in priority order): env vars > config file > defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix prefixes every environment override, e.g. SCANFLEET_LISTEN_ADDR.
const EnvPrefix = "SCANFLEET"

// Config holds all server configuration.
type Config struct {
	// Listen address (default ":8080")
	ListenAddr string `json:"listen_addr" envconfig:"listen_addr"`
	// Data directory for SQLite databases (default "/var/lib/scanfleet")
	DataDir string `json:"data_dir" envconfig:"data_dir"`
	// Postgres DSN for definitions; SQLite in DataDir when empty
	DatabaseURL string `json:"database_url,omitempty" envconfig:"database_url"`

	// Log level (debug, info, warn, error)
	LogLevel string `json:"log_level" envconfig:"log_level"`

	// Demo mode refuses daemon registration
	DemoMode bool `json:"demo_mode" envconfig:"demo_mode"`

	// Reaper
	StallThreshold     Duration `json:"stall_threshold" envconfig:"stall_threshold"`
	StallSweepInterval Duration `json:"stall_sweep_interval" envconfig:"stall_sweep_interval"`
	Retention          Duration `json:"retention" envconfig:"retention"`
	EvictionInterval   Duration `json:"eviction_interval" envconfig:"eviction_interval"`

	// Per-subscriber event buffer for streams
	BroadcastBuffer int `json:"broadcast_buffer" envconfig:"broadcast_buffer"`

	// OTLP gRPC endpoint; tracing disabled when empty
	OTLPEndpoint string `json:"otlp_endpoint,omitempty" envconfig:"otlp_endpoint"`

	Kafka KafkaConfig `json:"kafka,omitempty" envconfig:"kafka"`
}

// KafkaConfig enables forwarding of session and entity events to a topic.
type KafkaConfig struct {
	Brokers []string `json:"brokers,omitempty" envconfig:"brokers"`
	Topic   string   `json:"topic,omitempty" envconfig:"topic"`
}

// Enabled reports whether the forwarder should run.
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0 && strings.TrimSpace(k.Topic) != ""
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		ListenAddr:         ":8080",
		DataDir:            "/var/lib/scanfleet",
		LogLevel:           "info",
		StallThreshold:     Duration(5 * time.Minute),
		StallSweepInterval: Duration(time.Minute),
		Retention:          Duration(24 * time.Hour),
		EvictionInterval:   Duration(10 * time.Minute),
		BroadcastBuffer:    256,
	}
}

// Load reads configuration from a file, then overlays environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return cfg, fmt.Errorf("environment overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() (Config, error) {
	return Load("")
}

// Validate rejects settings the server cannot run with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.ListenAddr) == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if strings.TrimSpace(c.DataDir) == "" && strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("data_dir is required")
	}
	for name, d := range map[string]Duration{
		"stall_threshold":      c.StallThreshold,
		"stall_sweep_interval": c.StallSweepInterval,
		"retention":            c.Retention,
		"eviction_interval":    c.EvictionInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be > 0", name)
		}
	}
	if c.BroadcastBuffer < 1 {
		return fmt.Errorf("broadcast_buffer must be >= 1")
	}
	if len(c.Kafka.Brokers) > 0 && strings.TrimSpace(c.Kafka.Topic) == "" {
		return fmt.Errorf("kafka.topic is required when brokers are set")
	}
	return nil
}

// Save writes configuration to a file.
func (c Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0640)
}

// UsesPostgres reports whether definitions live in Postgres.
func (c Config) UsesPostgres() bool {
	return strings.TrimSpace(c.DatabaseURL) != ""
}

// Duration is a time.Duration that decodes Go durations plus day suffixes
// (e.g. 30d) from JSON strings and environment variables.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// Decode implements envconfig.Decoder.
func (d *Duration) Decode(value string) error {
	parsed, err := ParseDuration(value)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// UnmarshalJSON accepts "90s", "7d" or a number of seconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		return d.Decode(v)
	case float64:
		if v < 0 {
			return fmt.Errorf("duration must be >= 0")
		}
		*d = Duration(time.Duration(v * float64(time.Second)))
		return nil
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
}

// MarshalJSON writes the Go duration string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// ParseDuration parses Go durations plus day suffixes (e.g. 30d, 1.5d).
func ParseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("duration required")
	}

	if strings.HasSuffix(raw, "d") {
		days, err := strconv.ParseFloat(strings.TrimSuffix(raw, "d"), 64)
		if err != nil || days < 0 {
			return 0, fmt.Errorf("invalid day duration %q", raw)
		}
		return time.Duration(days * float64(24*time.Hour)), nil
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("duration must be >= 0")
	}
	return d, nil
}
