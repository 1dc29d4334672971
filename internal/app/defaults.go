package app

import (
	"fmt"
	"os"
	"path/filepath"

	"designsync/internal/config"

	"github.com/google/uuid"
)

// Defaults holds the values `dsync config init` seeds a new config with.
//
// Environment variables take precedence:
//   - DSYNC_CONFIG_PATH: config file (default: $XDG_CONFIG_HOME/dsync.toml)
//   - DSYNC_HOME: data directory (default: $XDG_DATA_HOME/dsync)
//   - DSYNC_SERVER_URL, DSYNC_TOKEN: design server and its bearer token
//   - DSYNC_DEVICE_ID: device id (default: a fresh random UUID)
type Defaults struct {
	ConfigPath string
	BaseDir    string
	ServerURL  string
	Token      string
	DeviceID   string
}

// GetDefaults resolves Defaults from the environment and the user's home directory.
func GetDefaults() (*Defaults, error) {
	configPath, err := getConfigPath()
	if err != nil {
		return nil, err
	}
	baseDir, err := getBaseDir()
	if err != nil {
		return nil, err
	}

	deviceID := os.Getenv("DSYNC_DEVICE_ID")
	if deviceID == "" {
		deviceID = uuid.New().String()
	}
	return &Defaults{
		ConfigPath: configPath,
		BaseDir:    baseDir,
		ServerURL:  os.Getenv("DSYNC_SERVER_URL"),
		Token:      os.Getenv("DSYNC_TOKEN"),
		DeviceID:   deviceID,
	}, nil
}

// Config builds a fresh config rooted at BaseDir. The database, log directory and
// offline marker file all live under it.
func (d *Defaults) Config() *config.Config {
	cfg := config.NewConfig(d.DeviceID, d.BaseDir)
	if d.ServerURL != "" {
		cfg.Remote.BaseURL = d.ServerURL
	}
	cfg.Remote.Token = d.Token
	return cfg
}

func getConfigPath() (string, error) {
	if path := os.Getenv("DSYNC_CONFIG_PATH"); path != "" {
		return path, nil
	}
	dir, err := xdgDir("XDG_CONFIG_HOME", ".config")
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "dsync.toml"), nil
}

func getBaseDir() (string, error) {
	if path := os.Getenv("DSYNC_HOME"); path != "" {
		return path, nil
	}
	dir, err := xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share"))
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "dsync"), nil
}

// xdgDir returns $env when it holds an absolute path, else ~/fallback.
func xdgDir(env, fallback string) (string, error) {
	if dir := os.Getenv(env); filepath.IsAbs(dir) {
		return dir, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, fallback), nil
}
