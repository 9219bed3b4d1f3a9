// Package config loads and validates Bichon's configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all configuration for the archiving service.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Logging  LoggingConfig  `koanf:"logging"`
	Storage  StorageConfig  `koanf:"storage"`
	Security SecurityConfig `koanf:"security"`
	Sync     SyncConfig     `koanf:"sync"`
	RateLim  RateLimitConfig `koanf:"rate_limit"`
}

// ServerConfig holds HTTP listener configuration.
type ServerConfig struct {
	HTTPPort          int    `koanf:"http_port"`
	BindIP            string `koanf:"bind_ip"`
	PublicURL         string `koanf:"public_url"`
	CORSOrigins       string `koanf:"cors_origins"` // comma-separated, empty = allow-all
	CORSMaxAge        int    `koanf:"cors_max_age"`
	EnableAccessToken bool   `koanf:"enable_access_token"`
	EnableRESTHTTPS   bool   `koanf:"enable_rest_https"`
	HTTPCompression   bool   `koanf:"http_compression_enabled"`
	ShutdownTimeout   string `koanf:"shutdown_timeout"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level          string `koanf:"log_level"`
	ANSILogs       bool   `koanf:"ansi_logs"`
	LogToFile      bool   `koanf:"log_to_file"`
	JSONLogs       bool   `koanf:"json_logs"`
	MaxServerFiles int    `koanf:"max_server_log_files"`
}

// StorageConfig holds the on-disk layout (spec.md §6).
type StorageConfig struct {
	RootDir           string `koanf:"root_dir"`
	MetadataCacheSize int64  `koanf:"metadata_cache_size"`
	EnvelopeCacheSize int64  `koanf:"envelope_cache_size"`
	EncryptPassword   string `koanf:"encrypt_password"`
	// RedisURL, when set, backs the rate limiter with a fixed-window
	// counter that survives restarts (spec.md §4.9); empty means the
	// in-memory token-bucket limiter.
	RedisURL string `koanf:"redis_url"`
	// TempSweepIntervalMinutes is the age, in minutes, after which stale
	// download scratch files in temp/ are removed; the sweep itself runs
	// every half of that interval (spec.md §6).
	TempSweepIntervalMinutes int `koanf:"temp_sweep_interval_minutes"`
}

// SecurityConfig holds auth-token related configuration.
type SecurityConfig struct {
	WebUITokenExpirationHours int `koanf:"webui_token_expiration_hours"`
}

// SyncConfig tunes the IMAP synchronization pipeline.
type SyncConfig struct {
	Concurrency int `koanf:"sync_concurrency"`
}

// RateLimitConfig configures the default per-user rate limit.
type RateLimitConfig struct {
	DefaultQuota    int `koanf:"default_quota"`
	DefaultInterval int `koanf:"default_interval_seconds"`
}

const defaultEncryptPassword = "change-me-please"
const minCacheSize = 64 * 1024 * 1024 // 64 MiB floor

// DefaultConfig returns sensible defaults, mirroring the teacher's pattern
// of an always-valid baseline that a config file layers on top of.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:          8733,
			BindIP:            "127.0.0.1",
			PublicURL:         "http://localhost:8733",
			CORSOrigins:       "",
			CORSMaxAge:        600,
			EnableAccessToken: true,
			EnableRESTHTTPS:   false,
			HTTPCompression:   true,
			ShutdownTimeout:   "30s",
		},
		Logging: LoggingConfig{
			Level:          "info",
			ANSILogs:       true,
			LogToFile:      false,
			JSONLogs:       false,
			MaxServerFiles: 10,
		},
		Storage: StorageConfig{
			RootDir:                  "/var/lib/bichon",
			MetadataCacheSize:        128 * 1024 * 1024,
			EnvelopeCacheSize:        256 * 1024 * 1024,
			EncryptPassword:          defaultEncryptPassword,
			TempSweepIntervalMinutes: 60,
		},
		Security: SecurityConfig{
			WebUITokenExpirationHours: 24 * 7,
		},
		Sync: SyncConfig{
			Concurrency: 0, // 0 => 2*NumCPU, resolved at startup
		},
		RateLim: RateLimitConfig{
			DefaultQuota:    120,
			DefaultInterval: 60,
		},
	}
}

// Load reads configuration from a YAML file, falling back to defaults
// when the file does not exist.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// Validate rejects nonsensical configuration before any directory or
// connection is touched.
func (c *Config) Validate() error {
	if c.Server.HTTPPort < 1 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port must be between 1 and 65535 (got: %d)", c.Server.HTTPPort)
	}
	if c.Server.BindIP == "" {
		return fmt.Errorf("server.bind_ip is required")
	}
	if c.Storage.RootDir == "" {
		return fmt.Errorf("storage.root_dir is required")
	}
	if !filepath.IsAbs(c.Storage.RootDir) {
		return fmt.Errorf("storage.root_dir must be an absolute path (got: %s)", c.Storage.RootDir)
	}
	if c.Storage.MetadataCacheSize < minCacheSize {
		return fmt.Errorf("storage.metadata_cache_size must be at least %d bytes", minCacheSize)
	}
	if c.Storage.EnvelopeCacheSize < minCacheSize {
		return fmt.Errorf("storage.envelope_cache_size must be at least %d bytes", minCacheSize)
	}
	if c.Security.WebUITokenExpirationHours < 1 {
		return fmt.Errorf("security.webui_token_expiration_hours must be at least 1")
	}
	if c.Sync.Concurrency < 0 {
		return fmt.Errorf("sync.sync_concurrency cannot be negative")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if c.Logging.Level != "" && !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.log_level must be one of: debug, info, warn, error (got: %s)", c.Logging.Level)
	}

	if c.Server.ShutdownTimeout != "" {
		d, err := time.ParseDuration(c.Server.ShutdownTimeout)
		if err != nil {
			return fmt.Errorf("server.shutdown_timeout is invalid: %w", err)
		}
		if d <= 0 || d > 5*time.Minute {
			return fmt.Errorf("server.shutdown_timeout must be between 0 and 5m (got: %s)", c.Server.ShutdownTimeout)
		}
	}

	if c.RateLim.DefaultQuota < 1 {
		return fmt.Errorf("rate_limit.default_quota must be at least 1")
	}
	if c.RateLim.DefaultInterval < 1 {
		return fmt.Errorf("rate_limit.default_interval_seconds must be at least 1")
	}

	return nil
}

// UsesDefaultEncryptionKey reports whether the operator never rotated the
// at-rest encryption password off its documented default — used by
// `bichon doctor` to fail loudly on unsafe deployments.
func (c *Config) UsesDefaultEncryptionKey() bool {
	return c.Storage.EncryptPassword == defaultEncryptPassword
}

// EnsureDirectories creates the fixed disk layout under RootDir
// (spec.md §6): meta.db's directory, index segment directories, the eml
// store, the temp scratch area, and the mbox_import subtree.
func (c *Config) EnsureDirectories() error {
	for _, dir := range c.Dirs() {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Dirs returns every directory EnsureDirectories creates, in creation order.
func (c *Config) Dirs() []string {
	root := c.Storage.RootDir
	return []string{
		root,
		filepath.Join(root, "envelope_index"),
		filepath.Join(root, "eml_index"),
		filepath.Join(root, "eml"),
		filepath.Join(root, "temp"),
		filepath.Join(root, "mbox_import"),
	}
}

// Path resolves a named file under RootDir.
func (c *Config) Path(name string) string {
	return filepath.Join(c.Storage.RootDir, name)
}

// MetaDBPath is the primary metadata store file.
func (c *Config) MetaDBPath() string { return c.Path("meta.db") }

// MailboxDBPath is the secondary high-write mailbox/envelope-summary store.
func (c *Config) MailboxDBPath() string { return c.Path("mailbox.db") }

// EnvelopeIndexDir is the envelope index segment directory.
func (c *Config) EnvelopeIndexDir() string { return c.Path("envelope_index") }

// EMLIndexDir is the EML locator index segment directory.
func (c *Config) EMLIndexDir() string { return c.Path("eml_index") }

// EMLDir holds per-message EML files for streamed sources not stored inline.
func (c *Config) EMLDir() string { return c.Path("eml") }

// TempDir is the scratch area for HTTP downloads.
func (c *Config) TempDir() string { return c.Path("temp") }

// MboxImportDir is the only subtree MBOX imports may be read from.
func (c *Config) MboxImportDir() string { return c.Path("mbox_import") }

// SyncConcurrency resolves the configured cap, defaulting to 2*NumCPU.
func (c *Config) SyncConcurrency(numCPU int) int {
	if c.Sync.Concurrency > 0 {
		return c.Sync.Concurrency
	}
	return 2 * numCPU
}

// ShutdownTimeoutDuration parses Server.ShutdownTimeout, defaulting to
// 30s if unset or invalid (Validate rejects invalid values before this
// is ever called in practice).
func (c *Config) ShutdownTimeoutDuration() time.Duration {
	if c.Server.ShutdownTimeout == "" {
		return 30 * time.Second
	}
	d, err := time.ParseDuration(c.Server.ShutdownTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// WebUITokenMaxAgeDuration converts Security.WebUITokenExpirationHours
// into the duration the WebUI token resolver compares against.
func (c *Config) WebUITokenMaxAgeDuration() time.Duration {
	return time.Duration(c.Security.WebUITokenExpirationHours) * time.Hour
}

// TempSweepMaxAge is how old a temp/ scratch file must be before the
// background sweeper removes it (spec.md §6).
func (c *Config) TempSweepMaxAge() time.Duration {
	minutes := c.Storage.TempSweepIntervalMinutes
	if minutes <= 0 {
		minutes = 60
	}
	return time.Duration(minutes) * time.Minute
}
