// Package config loads relayd's configuration from config.yaml plus
// environment variable overrides, and watches config.yaml/policy.yaml
// for hot-reload of non-secret fields.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// TelegramConfig holds the Telegram channel's credentials.
type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"-"` // TELEGRAM_TOKEN only; never written to disk
}

// ChannelsConfig bundles per-transport channel configuration. Only
// Telegram is wired today; the shape leaves room for additional
// channels without touching callers.
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// SchedulerConfig tunes the distributed scheduler's lease-based polling.
type SchedulerConfig struct {
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
	LeaseSeconds        int `yaml:"lease_seconds"`
	BatchSize           int `yaml:"batch_size"`
}

// TriggerConfig tunes the trigger engine's breaker and confirmation timeouts.
type TriggerConfig struct {
	BreakerFailureThreshold int `yaml:"breaker_failure_threshold"`
	BreakerCooldownSeconds  int `yaml:"breaker_cooldown_seconds"`
	ConfirmationTimeoutMin  int `yaml:"confirmation_timeout_minutes"`
}

// PolicyConfig is the SSRF-prevention allowlist for condition/webhook
// trigger HTTP fetches.
type PolicyConfig struct {
	AllowedDomains []string `yaml:"allowed_domains"`
}

// Config is relayd's full runtime configuration.
type Config struct {
	HomeDir string `yaml:"-"`

	// DatabaseURL is the Postgres connection string (pgx pool DSN).
	DatabaseURL string `yaml:"-"`
	// AdminAPIKey gates the /admin/* endpoints.
	AdminAPIKey string `yaml:"-"`
	// CredentialsEncryptionKey is the base64-encoded chacha20poly1305
	// key used to seal webhook secrets and OAuth tokens at rest.
	CredentialsEncryptionKey string `yaml:"-"`
	// PublicURL is this instance's externally reachable base URL,
	// used to build webhook URLs handed back from create-trigger.
	PublicURL string `yaml:"public_url"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`
	// DefaultTZ is used when a scheduled-task/trigger request omits a
	// timezone.
	DefaultTZ string `yaml:"default_tz"`

	// AssistantCommand is the subprocess launched for every session,
	// e.g. ["claude", "--print"].
	AssistantCommand []string      `yaml:"assistant_command"`
	AssistantTimeout time.Duration `yaml:"assistant_timeout"`

	// SessionIdleTimeout closes an idle conversational session.
	SessionIdleTimeout time.Duration `yaml:"session_idle_timeout"`

	Scheduler SchedulerConfig `yaml:"scheduler"`
	Trigger   TriggerConfig   `yaml:"trigger"`
	Policy    PolicyConfig    `yaml:"policy"`
	Channels  ChannelsConfig  `yaml:"channels"`

	// DrainTimeoutSeconds bounds graceful shutdown.
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`
}

// Fingerprint is a short, stable hash of the fields that matter for
// cache invalidation and diagnostics, not a security boundary.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|tz=%s|sched=%+v|trig=%+v",
		c.BindAddr, c.LogLevel, c.DefaultTZ, c.Scheduler, c.Trigger)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:           "0.0.0.0:8080",
		LogLevel:           "info",
		DefaultTZ:          "UTC",
		AssistantCommand:   []string{"claude", "--print", "--output-format", "json"},
		AssistantTimeout:   2 * time.Minute,
		SessionIdleTimeout: 30 * time.Minute,
		Scheduler: SchedulerConfig{
			PollIntervalSeconds: 15,
			LeaseSeconds:        60,
			BatchSize:           10,
		},
		Trigger: TriggerConfig{
			BreakerFailureThreshold: 3,
			BreakerCooldownSeconds:  300,
			ConfirmationTimeoutMin:  15,
		},
		DrainTimeoutSeconds: 5,
	}
}

// HomeDir returns the directory holding config.yaml and policy.yaml,
// defaulting to ~/.relayd and overridable via RELAY_HOME.
func HomeDir() string {
	if override := os.Getenv("RELAY_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".relayd")
}

// Load reads config.yaml (non-secret fields) from HomeDir, then layers
// environment variable overrides on top, including the secrets that
// are never written to config.yaml.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create relayd home: %w", err)
	}

	configPath := filepath.Join(cfg.HomeDir, "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "0.0.0.0:8080"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DefaultTZ == "" {
		cfg.DefaultTZ = "UTC"
	}
	if cfg.Scheduler.PollIntervalSeconds <= 0 {
		cfg.Scheduler.PollIntervalSeconds = 15
	}
	if cfg.Scheduler.LeaseSeconds <= 0 {
		cfg.Scheduler.LeaseSeconds = 60
	}
	if cfg.Scheduler.BatchSize <= 0 {
		cfg.Scheduler.BatchSize = 10
	}
	if cfg.Trigger.BreakerFailureThreshold <= 0 {
		cfg.Trigger.BreakerFailureThreshold = 3
	}
	if cfg.Trigger.BreakerCooldownSeconds <= 0 {
		cfg.Trigger.BreakerCooldownSeconds = 300
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}
	if len(cfg.AssistantCommand) == 0 {
		cfg.AssistantCommand = []string{"claude", "--print", "--output-format", "json"}
	}
}

// validate checks the environment-sourced secrets required to run are
// present; callers decide whether a missing value is fatal (serve) or
// merely reported (doctor).
func validate(cfg *Config) error {
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("config: DATABASE_URL is required")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("DATABASE_URL"); raw != "" {
		cfg.DatabaseURL = raw
	}
	if raw := os.Getenv("ADMIN_API_KEY"); raw != "" {
		cfg.AdminAPIKey = raw
	}
	if raw := os.Getenv("CREDENTIALS_ENCRYPTION_KEY"); raw != "" {
		cfg.CredentialsEncryptionKey = raw
	}
	if raw := os.Getenv("PUBLIC_URL"); raw != "" {
		cfg.PublicURL = raw
	}
	if raw := os.Getenv("RELAY_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("RELAY_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("RELAY_DEFAULT_TZ"); raw != "" {
		cfg.DefaultTZ = raw
	}
	if raw := os.Getenv("RELAY_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
		cfg.Channels.Telegram.Enabled = true
	}
}
