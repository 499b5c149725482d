// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigValidates(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("DefaultConfig().Validate() = %v, want nil", err)
	}
}

func TestValidateRejectsEmptySocketPath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SocketPath = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("Validate() with empty socket_path = nil, want error")
	}
}

func TestValidateRejectsEmptyLedgerPath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LedgerPath = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("Validate() with empty ledger_path = nil, want error")
	}
}

func TestValidateRejectsNonPositiveConcurrency(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Scheduler.MaxConcurrentDownloads = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("Validate() with max_concurrent_downloads=0 = nil, want error")
	}
}

func TestValidateRejectsEmptyFetcherCommand(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Fetcher.Command = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("Validate() with empty fetcher.command = nil, want error")
	}
}

func TestValidateRejectsBadMediaPortWhenEnabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Media.Enabled = true
	cfg.Media.Port = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("Validate() with media enabled and port=0 = nil, want error")
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg := DefaultConfig()
	cfg.SocketPath = "/tmp/mediabin-test.sock"
	cfg.Scheduler.MaxConcurrentDownloads = 5

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if loaded.SocketPath != cfg.SocketPath {
		t.Fatalf("SocketPath = %q, want %q", loaded.SocketPath, cfg.SocketPath)
	}
	if loaded.Scheduler.MaxConcurrentDownloads != 5 {
		t.Fatalf("MaxConcurrentDownloads = %d, want 5", loaded.Scheduler.MaxConcurrentDownloads)
	}
}

func TestLoadConfigRejectsMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("LoadConfig on missing file = nil error, want error")
	}
}

func TestLoadConfigPartialFileInheritsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("fetcher:\n  command: custom-extractor\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Fetcher.Command != "custom-extractor" {
		t.Fatalf("Fetcher.Command = %q, want custom-extractor", cfg.Fetcher.Command)
	}
	if cfg.Scheduler.MaxConcurrentDownloads != DefaultConfig().Scheduler.MaxConcurrentDownloads {
		t.Fatalf("Scheduler.MaxConcurrentDownloads = %d, want default to carry over unset",
			cfg.Scheduler.MaxConcurrentDownloads)
	}
}
