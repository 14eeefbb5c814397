// Package daemon implements the discovery daemon: its persisted configuration,
// the server client, registration and the heartbeat/work loops.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/marcus-qen/scanfleet/internal/protocol"
)

// DefaultConfigDir is where the daemon keeps config.yaml.
var DefaultConfigDir = defaultConfigDir()

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultPollInterval      = 10 * time.Second
)

// Config holds the daemon's persistent configuration.
type Config struct {
	ServerURL string              `yaml:"server_url"`
	APIKey    string              `yaml:"api_key"`
	DaemonID  string              `yaml:"daemon_id"`
	NetworkID string              `yaml:"network_id"`
	Name      string              `yaml:"name,omitempty"`
	Mode      protocol.DaemonMode `yaml:"mode"`
	HostID    string              `yaml:"host_id,omitempty"`

	// Push mode: where the daemon listens, and the URL the server dials.
	ListenAddr   string `yaml:"listen_addr,omitempty"`
	AdvertiseURL string `yaml:"advertise_url,omitempty"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval,omitempty"`
	PollInterval      time.Duration `yaml:"poll_interval,omitempty"`
	DockerSocket      string        `yaml:"docker_socket,omitempty"`
	LogLevel          string        `yaml:"log_level,omitempty"`
	OTLPEndpoint      string        `yaml:"otlp_endpoint,omitempty"`

	LastHeartbeat *time.Time `yaml:"last_heartbeat,omitempty"`

	ConfigDir string `yaml:"-"`

	mu sync.Mutex
}

// ConfigPath returns the full path to the config file.
func ConfigPath(configDir string) string {
	if configDir == "" {
		configDir = DefaultConfigDir
	}
	return filepath.Join(configDir, "config.yaml")
}

// LoadConfig reads the daemon config from disk and fills defaults.
func LoadConfig(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir
	}
	data, err := os.ReadFile(ConfigPath(configDir))
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.ConfigDir = configDir
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	c.ServerURL = strings.TrimRight(strings.TrimSpace(c.ServerURL), "/")
	if c.Mode == "" {
		c.Mode = protocol.ModePull
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Name == "" {
		if host, err := os.Hostname(); err == nil {
			c.Name = host
		}
	}
	if c.Mode == protocol.ModePush && c.ListenAddr == "" {
		c.ListenAddr = ":60073"
	}
}

// EnsureIdentity assigns a daemon id on first run. It reports whether the
// config changed and must be saved.
func (c *Config) EnsureIdentity() bool {
	changed := false
	if c.DaemonID == "" {
		c.DaemonID = uuid.NewString()
		changed = true
	}
	if c.HostID == "" {
		c.HostID = c.DaemonID
		changed = true
	}
	return changed
}

// Validate checks the fields the daemon cannot run without.
func (c *Config) Validate() error {
	var errs []error
	if c.ServerURL == "" {
		errs = append(errs, errors.New("server_url is required"))
	}
	if c.APIKey == "" {
		errs = append(errs, errors.New("api_key is required"))
	}
	if c.NetworkID == "" {
		errs = append(errs, errors.New("network_id is required"))
	}
	if !c.Mode.Valid() {
		errs = append(errs, fmt.Errorf("mode must be push or pull, got %q", c.Mode))
	}
	if c.Mode == protocol.ModePush && c.AdvertiseURL == "" {
		errs = append(errs, errors.New("advertise_url is required in push mode"))
	}
	return errors.Join(errs...)
}

// Presence is what heartbeats and work polls report about this daemon.
func (c *Config) Presence() protocol.DaemonPresence {
	return protocol.DaemonPresence{URL: c.AdvertiseURL, Name: c.Name, Mode: c.Mode}
}

// Save replaces config.yaml while holding config.yaml.lock.
func (c *Config) Save(configDir string) error {
	if configDir == "" {
		configDir = DefaultConfigDir
	}
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	c.mu.Lock()
	data, err := yaml.Marshal(c)
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	path := ConfigPath(configDir)
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock config: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

// RecordHeartbeat stamps last_heartbeat and persists the config.
func (c *Config) RecordHeartbeat(at time.Time) error {
	at = at.UTC()
	c.mu.Lock()
	c.LastHeartbeat = &at
	c.mu.Unlock()
	return c.Save(c.ConfigDir)
}
