package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for dsync.
type Config struct {
	DeviceID     string             `toml:"device_id"`
	BaseDir      string             `toml:"base_dir"`
	LogDir       string             `toml:"log_dir"`
	Database     DatabaseConfig     `toml:"database"`
	Remote       RemoteConfig       `toml:"remote"`
	Sync         SyncConfig         `toml:"sync"`
	Connectivity ConnectivityConfig `toml:"connectivity"`
	Log          LogConfig          `toml:"log"`
}

// DatabaseConfig represents configuration for the local store.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// RemoteConfig represents configuration for the remote record API.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type RemoteConfig struct {
	Type string `toml:"type"` // "http" or "memory"

	// HTTP-specific fields (only used when Type == "http")
	BaseURL        string `toml:"base_url,omitempty"`
	Token          string `toml:"token,omitempty"`
	TimeoutSeconds int    `toml:"timeout_seconds,omitempty"`
}

// SyncConfig tunes the retry policy of the sync queue.
type SyncConfig struct {
	MaxRetries     int   `toml:"max_retries"`
	BackoffSeconds []int `toml:"backoff_seconds"`
}

// ConnectivityConfig controls how the monitor decides whether the device is online.
type ConnectivityConfig struct {
	ProbeIntervalSeconds int    `toml:"probe_interval_seconds"` // 0 disables the health probe
	PeriodicSeconds      int    `toml:"periodic_seconds"`       // 0 disables background drains
	MarkerFile           string `toml:"marker_file"`            // while present, the device is offline
}

// LogConfig controls the log file.
type LogConfig struct {
	Level      string `toml:"level"` // "debug", "info", "warn" or "error"
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
}

// NewConfig creates a new Config with the provided values and default settings.
func NewConfig(deviceID, baseDir string) *Config {
	return &Config{
		DeviceID: deviceID,
		BaseDir:  baseDir,
		LogDir:   filepath.Join(baseDir, "log"),
		Database: DatabaseConfig{
			Type:    "sqlite",
			DataDir: filepath.Join(baseDir, "db"),
		},
		Remote: RemoteConfig{
			Type:           "http",
			BaseURL:        "http://localhost:8080",
			TimeoutSeconds: 30,
		},
		Sync: SyncConfig{
			MaxRetries:     5,
			BackoffSeconds: []int{1, 2, 5, 15, 30},
		},
		Connectivity: ConnectivityConfig{
			ProbeIntervalSeconds: 15,
			PeriodicSeconds:      300,
			MarkerFile:           filepath.Join(baseDir, "offline"),
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// Backoff returns the configured retry delays.
func (c SyncConfig) Backoff() []time.Duration {
	out := make([]time.Duration, 0, len(c.BackoffSeconds))
	for _, s := range c.BackoffSeconds {
		out = append(out, time.Duration(s)*time.Second)
	}
	return out
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// Save overwrites the config file at path. The file is written with 0600
// permissions since it may hold the API token.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := Save(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
