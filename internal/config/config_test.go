package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate, got: %v", err)
	}
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.HTTPPort = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for out-of-range http_port")
	}
}

func TestValidateRejectsRelativeRootDir(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.RootDir = "relative/path"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for non-absolute storage.root_dir")
	}
}

func TestValidateRejectsSmallCacheSize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.MetadataCacheSize = 1024
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for metadata_cache_size below the floor")
	}
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Level = "verbose"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unrecognized log level")
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load() on a missing file should not error, got: %v", err)
	}
	if cfg.Server.HTTPPort != DefaultConfig().Server.HTTPPort {
		t.Error("expected defaults when the config file is absent")
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bichon.yaml")
	body := "server:\n  http_port: 9999\nstorage:\n  root_dir: /tmp/bichon-test\n"
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Server.HTTPPort != 9999 {
		t.Errorf("Server.HTTPPort = %d, want 9999", cfg.Server.HTTPPort)
	}
	if cfg.Storage.RootDir != "/tmp/bichon-test" {
		t.Errorf("Storage.RootDir = %q, want /tmp/bichon-test", cfg.Storage.RootDir)
	}
	// fields absent from the file keep their defaults
	if cfg.Security.WebUITokenExpirationHours != DefaultConfig().Security.WebUITokenExpirationHours {
		t.Error("expected unset fields to retain their defaults")
	}
}

func TestUsesDefaultEncryptionKey(t *testing.T) {
	cfg := DefaultConfig()
	if !cfg.UsesDefaultEncryptionKey() {
		t.Error("expected the freshly-defaulted config to report the default key")
	}
	cfg.Storage.EncryptPassword = "rotated-secret"
	if cfg.UsesDefaultEncryptionKey() {
		t.Error("expected a rotated password to no longer match the default")
	}
}

func TestEnsureDirectoriesCreatesLayout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.RootDir = t.TempDir()

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories() error: %v", err)
	}
	for _, dir := range cfg.Dirs() {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Errorf("expected directory %s to exist", dir)
		}
	}
}

func TestShutdownTimeoutDuration(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.ShutdownTimeout = "15s"
	if got := cfg.ShutdownTimeoutDuration(); got != 15*time.Second {
		t.Errorf("ShutdownTimeoutDuration() = %v, want 15s", got)
	}

	cfg.Server.ShutdownTimeout = ""
	if got := cfg.ShutdownTimeoutDuration(); got != 30*time.Second {
		t.Errorf("ShutdownTimeoutDuration() default = %v, want 30s", got)
	}

	cfg.Server.ShutdownTimeout = "not-a-duration"
	if got := cfg.ShutdownTimeoutDuration(); got != 30*time.Second {
		t.Errorf("ShutdownTimeoutDuration() on invalid input = %v, want fallback 30s", got)
	}
}

func TestSyncConcurrencyDefaultsToDoubleNumCPU(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sync.Concurrency = 0
	if got := cfg.SyncConcurrency(4); got != 8 {
		t.Errorf("SyncConcurrency(4) = %d, want 8", got)
	}

	cfg.Sync.Concurrency = 3
	if got := cfg.SyncConcurrency(4); got != 3 {
		t.Errorf("SyncConcurrency(4) with explicit override = %d, want 3", got)
	}
}

func TestTempSweepMaxAge(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.TempSweepIntervalMinutes = 15
	if got := cfg.TempSweepMaxAge(); got != 15*time.Minute {
		t.Errorf("TempSweepMaxAge() = %v, want 15m", got)
	}

	cfg.Storage.TempSweepIntervalMinutes = 0
	if got := cfg.TempSweepMaxAge(); got != 60*time.Minute {
		t.Errorf("TempSweepMaxAge() default = %v, want 60m", got)
	}
}
