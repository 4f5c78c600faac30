package model

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// DatabaseConfig locates the local SQLite replica.
type DatabaseConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// ProviderConfig holds the mail provider endpoints and OAuth client.
type ProviderConfig struct {
	// BaseURL is the root of the per-user REST API.
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`

	// TokenURL is the OAuth token endpoint used for refresh.
	TokenURL string `mapstructure:"token_url" yaml:"token_url"`

	ClientID     string `mapstructure:"client_id" yaml:"client_id"`
	ClientSecret string `mapstructure:"client_secret" yaml:"client_secret"`

	// MaxAttempts bounds retries of a single request.
	MaxAttempts int `mapstructure:"max_attempts" yaml:"max_attempts"`

	// RetryAfterSec is used when a 429 carries no Retry-After header.
	RetryAfterSec int `mapstructure:"retry_after_sec" yaml:"retry_after_sec"`

	// TimeoutSec is the HTTP client timeout for API calls.
	TimeoutSec int `mapstructure:"timeout_sec" yaml:"timeout_sec"`
}

// ClassifierConfig holds settings for the text classification service.
type ClassifierConfig struct {
	// APIKey may be left empty when the key lives in the keyring.
	APIKey      string  `mapstructure:"api_key" yaml:"api_key"`
	BaseURL     string  `mapstructure:"base_url" yaml:"base_url"`
	Model       string  `mapstructure:"model" yaml:"model"`
	MaxTokens   int     `mapstructure:"max_tokens" yaml:"max_tokens"`
	Temperature float64 `mapstructure:"temperature" yaml:"temperature"`
	MaxAttempts int     `mapstructure:"max_attempts" yaml:"max_attempts"`
	BatchSize   int     `mapstructure:"batch_size" yaml:"batch_size"`
	BatchPause  int     `mapstructure:"batch_pause_ms" yaml:"batch_pause_ms"`
	MaxMessages int     `mapstructure:"max_messages" yaml:"max_messages"`
}

// SyncConfig tunes the synchronization engine.
type SyncConfig struct {
	LookbackDays int `mapstructure:"lookback_days" yaml:"lookback_days"`
	PageSize     int `mapstructure:"page_size" yaml:"page_size"`
	BatchSize    int `mapstructure:"batch_size" yaml:"batch_size"`

	// PollIntervalSec is how often the watch loop starts a sync for
	// every connected user.
	PollIntervalSec int `mapstructure:"poll_interval_sec" yaml:"poll_interval_sec"`
}

// JobsConfig bounds the in-memory job registry.
type JobsConfig struct {
	MaxConcurrent int `mapstructure:"max_concurrent" yaml:"max_concurrent"`
	RetentionMin  int `mapstructure:"retention_min" yaml:"retention_min"`
	MaxRecords    int `mapstructure:"max_records" yaml:"max_records"`
}

// LogConfig selects log level and output format ("json" or "text").
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// SecurityConfig controls token encryption at rest.
type SecurityConfig struct {
	// Passphrase overrides the keyring-held passphrase when set.
	Passphrase string `mapstructure:"passphrase" yaml:"passphrase"`
	Salt       string `mapstructure:"salt" yaml:"salt"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Database   DatabaseConfig   `mapstructure:"database" yaml:"database"`
	Provider   ProviderConfig   `mapstructure:"provider" yaml:"provider"`
	Classifier ClassifierConfig `mapstructure:"classifier" yaml:"classifier"`
	Sync       SyncConfig       `mapstructure:"sync" yaml:"sync"`
	Jobs       JobsConfig       `mapstructure:"jobs" yaml:"jobs"`
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
	Security   SecurityConfig   `mapstructure:"security" yaml:"security"`
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/mailsort/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "mailsort", "config.yaml")
}

func defaultDatabasePath() string {
	return filepath.Join(filepath.Dir(DefaultConfigPath()), "mailsort.db")
}

// DefaultAppConfig returns a configuration with every default applied.
func DefaultAppConfig() *AppConfig {
	return &AppConfig{
		Database: DatabaseConfig{Path: defaultDatabasePath()},
		Provider: ProviderConfig{
			BaseURL:       "https://gmail.googleapis.com/gmail/v1",
			TokenURL:      "https://oauth2.googleapis.com/token",
			MaxAttempts:   3,
			RetryAfterSec: 5,
			TimeoutSec:    30,
		},
		Classifier: ClassifierConfig{
			BaseURL:     "https://api.anthropic.com/v1/messages",
			Model:       "claude-sonnet-4-5-20250929",
			MaxTokens:   2048,
			Temperature: 0.1,
			MaxAttempts: 3,
			BatchSize:   20,
			BatchPause:  3000,
			MaxMessages: 20,
		},
		Sync: SyncConfig{
			LookbackDays: 180,
			PageSize:     100,
			BatchSize:    20,

			PollIntervalSec: 300,
		},
		Jobs: JobsConfig{
			MaxConcurrent: 4,
			RetentionMin:  60,
			MaxRecords:    500,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Security: SecurityConfig{
			Salt: "mailsort-token-salt",
		},
	}
}

func setDefaults(v *viper.Viper, cfg *AppConfig) {
	v.SetDefault("database.path", cfg.Database.Path)

	v.SetDefault("provider.base_url", cfg.Provider.BaseURL)
	v.SetDefault("provider.token_url", cfg.Provider.TokenURL)
	v.SetDefault("provider.client_id", "")
	v.SetDefault("provider.client_secret", "")
	v.SetDefault("provider.max_attempts", cfg.Provider.MaxAttempts)
	v.SetDefault("provider.retry_after_sec", cfg.Provider.RetryAfterSec)
	v.SetDefault("provider.timeout_sec", cfg.Provider.TimeoutSec)

	v.SetDefault("classifier.api_key", "")
	v.SetDefault("classifier.base_url", cfg.Classifier.BaseURL)
	v.SetDefault("classifier.model", cfg.Classifier.Model)
	v.SetDefault("classifier.max_tokens", cfg.Classifier.MaxTokens)
	v.SetDefault("classifier.temperature", cfg.Classifier.Temperature)
	v.SetDefault("classifier.max_attempts", cfg.Classifier.MaxAttempts)
	v.SetDefault("classifier.batch_size", cfg.Classifier.BatchSize)
	v.SetDefault("classifier.batch_pause_ms", cfg.Classifier.BatchPause)
	v.SetDefault("classifier.max_messages", cfg.Classifier.MaxMessages)

	v.SetDefault("sync.lookback_days", cfg.Sync.LookbackDays)
	v.SetDefault("sync.page_size", cfg.Sync.PageSize)
	v.SetDefault("sync.batch_size", cfg.Sync.BatchSize)
	v.SetDefault("sync.poll_interval_sec", cfg.Sync.PollIntervalSec)

	v.SetDefault("jobs.max_concurrent", cfg.Jobs.MaxConcurrent)
	v.SetDefault("jobs.retention_min", cfg.Jobs.RetentionMin)
	v.SetDefault("jobs.max_records", cfg.Jobs.MaxRecords)

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)

	v.SetDefault("security.passphrase", "")
	v.SetDefault("security.salt", cfg.Security.Salt)
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// Environment variables prefixed with MAILSORT_ override file values
// (MAILSORT_PROVIDER_CLIENT_ID sets provider.client_id). A missing file
// yields the defaults.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("mailsort")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, DefaultAppConfig())

	if err := v.ReadInConfig(); err != nil {
		_, isPathErr := err.(*os.PathError)
		_, isNotFound := err.(viper.ConfigFileNotFoundError)
		if !isPathErr && !isNotFound {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := &AppConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.normalize()

	return cfg, nil
}

// normalize replaces non-positive numeric settings with defaults so a
// zero in the file cannot stall a loop or disable retries.
func (c *AppConfig) normalize() {
	d := DefaultAppConfig()

	if c.Provider.MaxAttempts <= 0 {
		c.Provider.MaxAttempts = d.Provider.MaxAttempts
	}
	if c.Provider.RetryAfterSec <= 0 {
		c.Provider.RetryAfterSec = d.Provider.RetryAfterSec
	}
	if c.Provider.TimeoutSec <= 0 {
		c.Provider.TimeoutSec = d.Provider.TimeoutSec
	}
	if c.Classifier.MaxAttempts <= 0 {
		c.Classifier.MaxAttempts = d.Classifier.MaxAttempts
	}
	if c.Classifier.BatchSize <= 0 {
		c.Classifier.BatchSize = d.Classifier.BatchSize
	}
	if c.Classifier.MaxMessages <= 0 {
		c.Classifier.MaxMessages = d.Classifier.MaxMessages
	}
	if c.Sync.LookbackDays <= 0 {
		c.Sync.LookbackDays = d.Sync.LookbackDays
	}
	if c.Sync.PageSize <= 0 {
		c.Sync.PageSize = d.Sync.PageSize
	}
	if c.Sync.BatchSize <= 0 {
		c.Sync.BatchSize = d.Sync.BatchSize
	}
	if c.Sync.PollIntervalSec <= 0 {
		c.Sync.PollIntervalSec = d.Sync.PollIntervalSec
	}
	if c.Jobs.MaxConcurrent <= 0 {
		c.Jobs.MaxConcurrent = d.Jobs.MaxConcurrent
	}
	if c.Jobs.MaxRecords <= 0 {
		c.Jobs.MaxRecords = d.Jobs.MaxRecords
	}
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("database", cfg.Database)
	v.Set("provider", cfg.Provider)
	v.Set("classifier", cfg.Classifier)
	v.Set("sync", cfg.Sync)
	v.Set("jobs", cfg.Jobs)
	v.Set("log", cfg.Log)
	v.Set("security", cfg.Security)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
