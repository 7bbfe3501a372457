// Package config holds the uplinkd configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultConfigPath is the default path of the configuration file.
	DefaultConfigPath = "~/.config/uplink/uplinkd.yaml"
	// DefaultJournalPath is the default path of the agent journal.
	DefaultJournalPath = "~/.local/share/uplink/journal.db"
	// DefaultPackageDir is the default directory for built packages.
	DefaultPackageDir = "~/.local/share/uplink/packages"
	// DefaultMountRoot is where removable devices are mounted.
	DefaultMountRoot = "/media"
)

// Common errors returned by Validate.
var (
	ErrNoServer       = errors.New("server URL is required")
	ErrBadScheme      = errors.New("server URL must use ws or wss")
	ErrBadChunkSize   = errors.New("chunk size must be positive")
	ErrBadRetryPeriod = errors.New("retry delays must be positive")
)

// Config represents the configuration of the uplinkd daemon.
type Config struct {
	// Server is the WebSocket URL of the upload server.
	Server string `yaml:"server"`
	// MountRoot is the directory devices are mounted under.
	MountRoot string `yaml:"mount_root"`
	// PackageDir is where data packages are written.
	PackageDir string `yaml:"package_dir"`
	// Journal is the path of the SQLite journal.
	Journal string `yaml:"journal"`
	// SecretDir overrides the directory of the file secret store.
	SecretDir string `yaml:"secret_dir"`
	// StatusAddr is the listen address of the status API. Empty disables it.
	StatusAddr string `yaml:"status_addr"`
	// LogLevel is the logging level.
	LogLevel string `yaml:"log_level"`
	// LogFile additionally writes the log to this file.
	LogFile string `yaml:"log_file"`
	// ChunkSize is the payload size of one upload chunk.
	ChunkSize int `yaml:"chunk_size"`
	// RetryStep is the per-attempt increase of the reconnect delay.
	RetryStep time.Duration `yaml:"retry_step"`
	// MaxRetryDelay caps the reconnect delay.
	MaxRetryDelay time.Duration `yaml:"max_retry_delay"`
	// RecheckInterval is the fallback device scan interval.
	RecheckInterval time.Duration `yaml:"recheck_interval"`
	// UploadRetention is how long finished upload records are kept.
	UploadRetention time.Duration `yaml:"upload_retention"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		MountRoot:       DefaultMountRoot,
		PackageDir:      ExpandPath(DefaultPackageDir),
		Journal:         ExpandPath(DefaultJournalPath),
		StatusAddr:      "127.0.0.1:9470",
		LogLevel:        "info",
		ChunkSize:       64 * 1024,
		RetryStep:       time.Second,
		MaxRetryDelay:   30 * time.Second,
		RecheckInterval: 2 * time.Second,
		UploadRetention: 30 * 24 * time.Hour,
	}
}

// Load reads a YAML file over the defaults. A missing file yields the
// defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.PackageDir = ExpandPath(cfg.PackageDir)
	cfg.Journal = ExpandPath(cfg.Journal)
	cfg.SecretDir = ExpandPath(cfg.SecretDir)
	cfg.LogFile = ExpandPath(cfg.LogFile)
	return cfg, nil
}

// Validate checks the configuration for values the daemon cannot run with.
func (c Config) Validate() error {
	if c.Server == "" {
		return ErrNoServer
	}
	u, err := url.Parse(c.Server)
	if err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%w: %q", ErrBadScheme, c.Server)
	}
	if c.ChunkSize <= 0 {
		return ErrBadChunkSize
	}
	if c.RetryStep <= 0 || c.MaxRetryDelay <= 0 {
		return ErrBadRetryPeriod
	}
	return nil
}

// ExpandPath expands the ~ in a path to the user's home directory.
func ExpandPath(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}

	return filepath.Join(home, path[1:])
}
