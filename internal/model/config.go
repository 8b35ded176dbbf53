package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DatabaseConfig selects the relational store backing accounts, leads and
// events.
type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `mapstructure:"driver" yaml:"driver"`

	// DSN is a file path for sqlite or a connection URL for postgres.
	DSN string `mapstructure:"dsn" yaml:"dsn"`
}

// SyncConfig controls the poller and the per-account scan.
type SyncConfig struct {
	IntervalSec           int    `mapstructure:"interval_sec" yaml:"interval_sec"`
	Workers               int    `mapstructure:"workers" yaml:"workers"`
	MessageWorkers        int    `mapstructure:"message_workers" yaml:"message_workers"`
	LookbackDays          int    `mapstructure:"lookback_days" yaml:"lookback_days"`
	Folder                string `mapstructure:"folder" yaml:"folder"`
	RequireActiveCampaign bool   `mapstructure:"require_active_campaign" yaml:"require_active_campaign"`
}

// Interval returns the poll interval as a duration.
func (c SyncConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSec) * time.Second
}

// Lookback returns the scan window as a duration.
func (c SyncConfig) Lookback() time.Duration {
	return time.Duration(c.LookbackDays) * 24 * time.Hour
}

// IMAPConfig holds mailbox session timeouts and TLS policy.
type IMAPConfig struct {
	ConnectTimeoutSec int    `mapstructure:"connect_timeout_sec" yaml:"connect_timeout_sec"`
	AuthTimeoutSec    int    `mapstructure:"auth_timeout_sec" yaml:"auth_timeout_sec"`
	CloseTimeoutSec   int    `mapstructure:"close_timeout_sec" yaml:"close_timeout_sec"`
	MinTLSVersion     string `mapstructure:"min_tls_version" yaml:"min_tls_version"`
}

// RetryConfig holds the attempt budget and backoff table for a sync.
type RetryConfig struct {
	MaxAttempts int   `mapstructure:"max_attempts" yaml:"max_attempts"`
	DelaysMS    []int `mapstructure:"delays_ms" yaml:"delays_ms"`
	MaxJitterMS int   `mapstructure:"max_jitter_ms" yaml:"max_jitter_ms"`
}

// Delays returns the backoff table as durations.
func (c RetryConfig) Delays() []time.Duration {
	delays := make([]time.Duration, 0, len(c.DelaysMS))
	for _, ms := range c.DelaysMS {
		delays = append(delays, time.Duration(ms)*time.Millisecond)
	}
	return delays
}

// ClassifierConfig holds the substring sets used to classify connection
// errors. Empty lists fall back to the built-in sets.
type ClassifierConfig struct {
	Permanent []string `mapstructure:"permanent" yaml:"permanent"`
	Transient []string `mapstructure:"transient" yaml:"transient"`
}

// BounceConfig holds the patterns that identify delivery failure reports.
type BounceConfig struct {
	SenderPatterns  []string `mapstructure:"sender_patterns" yaml:"sender_patterns"`
	SubjectPatterns []string `mapstructure:"subject_patterns" yaml:"subject_patterns"`
}

// RedisConfig enables cross-process account locks when URL is set.
type RedisConfig struct {
	URL        string `mapstructure:"url" yaml:"url"`
	Password   string `mapstructure:"password" yaml:"password"`
	LockTTLSec int    `mapstructure:"lock_ttl_sec" yaml:"lock_ttl_sec"`
}

// MetricsConfig controls the prometheus listener.
type MetricsConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// LoggingConfig controls log verbosity.
type LoggingConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Database   DatabaseConfig   `mapstructure:"database" yaml:"database"`
	Sync       SyncConfig       `mapstructure:"sync" yaml:"sync"`
	IMAP       IMAPConfig       `mapstructure:"imap" yaml:"imap"`
	Retry      RetryConfig      `mapstructure:"retry" yaml:"retry"`
	Classifier ClassifierConfig `mapstructure:"classifier" yaml:"classifier"`
	Bounce     BounceConfig     `mapstructure:"bounce" yaml:"bounce"`
	Redis      RedisConfig      `mapstructure:"redis" yaml:"redis"`
	Metrics    MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
	Logging    LoggingConfig    `mapstructure:"logging" yaml:"logging"`
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/mailsync/config.yaml.
func DefaultConfigPath() string {
	dir := configDir()
	return filepath.Join(dir, "config.yaml")
}

// DefaultDatabasePath returns the default sqlite database location.
func DefaultDatabasePath() string {
	return filepath.Join(configDir(), "mailsync.db")
}

func configDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "mailsync")
}

// setDefaults registers every key's default so missing keys resolve to
// sensible values and env overrides can bind to them.
func setDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", DefaultDatabasePath())

	v.SetDefault("sync.interval_sec", 300)
	v.SetDefault("sync.workers", 4)
	v.SetDefault("sync.message_workers", 4)
	v.SetDefault("sync.lookback_days", 7)
	v.SetDefault("sync.folder", "INBOX")
	v.SetDefault("sync.require_active_campaign", true)

	v.SetDefault("imap.connect_timeout_sec", 20)
	v.SetDefault("imap.auth_timeout_sec", 20)
	v.SetDefault("imap.close_timeout_sec", 5)
	v.SetDefault("imap.min_tls_version", "1.2")

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.delays_ms", []int{2000, 4000, 8000})
	v.SetDefault("retry.max_jitter_ms", 1000)

	v.SetDefault("classifier.permanent", []string{})
	v.SetDefault("classifier.transient", []string{})

	v.SetDefault("bounce.sender_patterns", []string{"mailer-daemon", "postmaster"})
	v.SetDefault("bounce.subject_patterns", []string{
		"delivery status notification", "undelivered",
	})

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.lock_ttl_sec", 900)

	v.SetDefault("metrics.addr", ":9464")
	v.SetDefault("logging.level", "info")
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// MAILSYNC_* environment variables override file values (for example
// MAILSYNC_DATABASE_DSN). If the file does not exist, defaults are used.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("MAILSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.Is(err, os.ErrNotExist) && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := &AppConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate rejects values the engine cannot run with.
func (c *AppConfig) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Sync.IntervalSec <= 0 {
		return fmt.Errorf("sync.interval_sec must be positive")
	}
	if c.Sync.LookbackDays <= 0 {
		return fmt.Errorf("sync.lookback_days must be positive")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	if len(c.Retry.DelaysMS) == 0 {
		return fmt.Errorf("retry.delays_ms must not be empty")
	}
	switch c.IMAP.MinTLSVersion {
	case "1.0", "1.1", "1.2", "1.3":
	default:
		return fmt.Errorf("unsupported imap.min_tls_version %q", c.IMAP.MinTLSVersion)
	}
	return nil
}
