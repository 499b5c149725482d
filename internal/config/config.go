// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.yaml.in/yaml/v3"
)

// mediabinDir returns <home>/.mediabin, matching spec.md §6's "fixed path
// under the user's state directory" for the socket, pid file, log file,
// and ledger. Falls back to the working directory if the home directory
// cannot be determined, so a broken HOME never panics config loading.
func mediabinDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mediabin"
	}
	return filepath.Join(home, ".mediabin")
}

// ConfigFilePath is the default location for the configuration file.
var ConfigFilePath = filepath.Join(mediabinDir(), "config.yaml")

// Config represents the complete mediabin daemon configuration.
type Config struct {
	// SocketPath is the Unix domain socket the daemon listens on and the
	// client connects to.
	SocketPath string `yaml:"socket_path" koanf:"socket_path"`

	// PidFile is where the daemon records its process id.
	PidFile string `yaml:"pid_file" koanf:"pid_file"`

	// LedgerPath is the sqlite database file tracking media items.
	LedgerPath string `yaml:"ledger_path" koanf:"ledger_path"`

	// DatadirLocation overrides the ledger metadata datadir_location on
	// first run; empty means "derive it from LedgerPath".
	DatadirLocation string `yaml:"datadir_location" koanf:"datadir_location"`

	// LogFile is where the daemon's log output is written; empty means
	// stderr.
	LogFile string `yaml:"log_file" koanf:"log_file"`

	Scheduler SchedulerConfig `yaml:"scheduler" koanf:"scheduler"`
	Fetcher   FetcherConfig   `yaml:"fetcher" koanf:"fetcher"`
	Media     MediaConfig     `yaml:"media" koanf:"media"`
}

// SchedulerConfig controls the bounded-concurrency download scheduler.
type SchedulerConfig struct {
	MaxConcurrentDownloads int           `yaml:"max_concurrent_downloads" koanf:"max_concurrent_downloads"`
	PollInterval           time.Duration `yaml:"poll_interval" koanf:"poll_interval"`
}

// FetcherConfig configures the external media-extraction command.
type FetcherConfig struct {
	Command string        `yaml:"command" koanf:"command"`
	Timeout time.Duration `yaml:"timeout" koanf:"timeout"`
}

// MediaConfig configures the read-only HTTP media server.
type MediaConfig struct {
	Enabled   bool   `yaml:"enabled" koanf:"enabled"`
	Port      int    `yaml:"port" koanf:"port"`
	Tailscale bool   `yaml:"tailscale" koanf:"tailscale"`
	BindAddr  string `yaml:"bind_addr" koanf:"bind_addr"`
}

// LoadConfig reads and parses the configuration file.
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 - Config path is from administrator-controlled configuration
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// atomicFile abstracts file operations used by Save for testability.
type atomicFile interface {
	Write([]byte) (int, error)
	Sync() error
	Chmod(os.FileMode) error
	Close() error
	Name() string
}

// atomicCreateTemp is the injectable temp-file creator used by Save.
type atomicCreateTemp func(dir, pattern string) (atomicFile, error)

func defaultCreateTemp(dir, pattern string) (atomicFile, error) {
	return os.CreateTemp(dir, pattern) // #nosec G304
}

// Save writes the configuration to a YAML file, atomically.
func (c *Config) Save(path string) error {
	return c.saveWith(path, defaultCreateTemp)
}

func (c *Config) saveWith(path string, createTemp atomicCreateTemp) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Atomic write: write to a temp file in the same directory, sync to
	// disk, then rename. os.Rename is atomic on most filesystems, so a
	// crash mid-write leaves either the old file or the new file.
	dir := filepath.Dir(path)

	tmpFile, err := createTemp(dir, ".config.*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp config file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("failed to write temp config file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp config file: %w", err)
	}
	// Config may list a fetcher command and socket paths; keep it private.
	// #nosec G302 - Config file restricted to owner+group for security
	if err := tmpFile.Chmod(0640); err != nil {
		return fmt.Errorf("failed to set config file permissions: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp config file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp config file: %w", err)
	}

	success = true
	return nil
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	if c.SocketPath == "" {
		return fmt.Errorf("socket_path cannot be empty")
	}
	if c.LedgerPath == "" {
		return fmt.Errorf("ledger_path cannot be empty")
	}
	if c.Scheduler.MaxConcurrentDownloads <= 0 {
		return fmt.Errorf("scheduler.max_concurrent_downloads must be positive")
	}
	if c.Fetcher.Command == "" {
		return fmt.Errorf("fetcher.command cannot be empty")
	}
	if c.Media.Enabled && (c.Media.Port <= 0 || c.Media.Port > 65535) {
		return fmt.Errorf("media.port must be between 1 and 65535")
	}
	return nil
}

// DefaultConfig returns a configuration with sensible defaults, rooted
// under <home>/.mediabin/ per spec.md §6.
func DefaultConfig() *Config {
	dir := mediabinDir()
	daemonDir := filepath.Join(dir, "daemon")
	return &Config{
		SocketPath: filepath.Join(daemonDir, "socket.sock"),
		PidFile:    filepath.Join(daemonDir, "process.pid"),
		LedgerPath: filepath.Join(dir, "ledger.db"),
		LogFile:    filepath.Join(daemonDir, "log.txt"),
		Scheduler: SchedulerConfig{
			MaxConcurrentDownloads: 3,
			PollInterval:           1 * time.Second,
		},
		Fetcher: FetcherConfig{
			Command: "yt-dlp",
			Timeout: 30 * time.Minute,
		},
		Media: MediaConfig{
			Enabled:  false,
			Port:     8383,
			BindAddr: "127.0.0.1",
		},
	}
}
