// Package config loads the broker's configuration: built-in defaults, an
// optional YAML file, then environment-variable overrides — the same
// two-layer precedence the teacher's config loader uses, reduced to the
// knobs this control plane actually needs (spec §6 "Configuration").
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/taskbroker/internal/otel"
)

// Config holds every operator-tunable knob for the broker process.
type Config struct {
	HomeDir string `yaml:"-"`

	// StoreURL is the Durable Store connection string (STORE_URL,
	// required).
	StoreURL string `yaml:"store_url"`

	// InternalToken is the bearer secret for worker/internal endpoints
	// (INTERNAL_TOKEN). Unset disables the check — development only.
	InternalToken string `yaml:"internal_token"`

	// LeaseMS is the worker lease TTL in milliseconds (LEASE_MS).
	LeaseMS int64 `yaml:"lease_ms"`

	// QueueBlockSeconds bounds each Claim long-poll round (QUEUE_BLOCK_SECONDS).
	QueueBlockSeconds int `yaml:"queue_block_seconds"`

	// StreamTrimThreshold is the per-stream soft cap (STREAM_TRIM_THRESHOLD).
	StreamTrimThreshold int64 `yaml:"stream_trim_threshold"`

	// WorkerMaxConcurrency is advertised to workers as their per-process
	// in-flight task bound (WORKER_MAX_CONCURRENCY). The broker itself
	// does not enforce it; it is surfaced on the status endpoint for
	// operators provisioning worker fleets.
	WorkerMaxConcurrency int `yaml:"worker_max_concurrency"`

	// SessionCookieName names the opaque session cookie issued to public
	// clients (SESSION_COOKIE_NAME).
	SessionCookieName string `yaml:"session_cookie_name"`

	// RetentionCronExpr, empty by default, enables the optional retention
	// sweeper when set (RETENTION_CRON).
	RetentionCronExpr string `yaml:"retention_cron"`

	BindAddr        string        `yaml:"bind_addr"`
	LogLevel        string        `yaml:"log_level"`
	StoreDeadline   time.Duration `yaml:"-"`
	StoreDeadlineMS int64         `yaml:"store_deadline_ms"`

	OTel otel.Config `yaml:"otel"`
}

func defaultConfig() Config {
	return Config{
		LeaseMS:              60_000,
		QueueBlockSeconds:    5,
		StreamTrimThreshold:  2_000,
		WorkerMaxConcurrency: 2,
		SessionCookieName:    "broker_session",
		BindAddr:             "0.0.0.0:8080",
		LogLevel:             "info",
		StoreDeadlineMS:      30_000,
		OTel: otel.Config{
			Enabled:    false,
			Exporter:   "otlp-http",
			SampleRate: 1.0,
		},
	}
}

// HomeDir resolves the directory the broker writes logs and audit trail
// under, honoring a BROKER_HOME override.
func HomeDir() string {
	if override := os.Getenv("BROKER_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskbroker")
}

// Load builds the Config: defaults, then an optional config.yaml under
// HomeDir, then environment-variable overrides (which always win).
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create broker home: %w", err)
	}

	configPath := filepath.Join(cfg.HomeDir, "config.yaml")
	if data, err := os.ReadFile(configPath); err == nil && len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	} else if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)

	if cfg.StoreURL == "" {
		return cfg, fmt.Errorf("STORE_URL is required")
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("STORE_URL"); v != "" {
		cfg.StoreURL = v
	}
	if v := os.Getenv("INTERNAL_TOKEN"); v != "" {
		cfg.InternalToken = v
	}
	if v := os.Getenv("LEASE_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.LeaseMS = n
		}
	}
	if v := os.Getenv("QUEUE_BLOCK_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.QueueBlockSeconds = n
		}
	}
	if v := os.Getenv("STREAM_TRIM_THRESHOLD"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.StreamTrimThreshold = n
		}
	}
	if v := os.Getenv("WORKER_MAX_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WorkerMaxConcurrency = n
		}
	}
	if v := os.Getenv("SESSION_COOKIE_NAME"); v != "" {
		cfg.SessionCookieName = v
	}
	if v := os.Getenv("RETENTION_CRON"); v != "" {
		cfg.RetentionCronExpr = v
	}
	if v := os.Getenv("BIND_ADDR"); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("OTEL_ENABLED"); v != "" {
		cfg.OTel.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("OTEL_EXPORTER"); v != "" {
		cfg.OTel.Exporter = v
	}
	if v := os.Getenv("OTEL_ENDPOINT"); v != "" {
		cfg.OTel.Endpoint = v
	}
}

func normalize(cfg *Config) {
	if cfg.LeaseMS <= 0 {
		cfg.LeaseMS = 60_000
	}
	if cfg.QueueBlockSeconds <= 0 {
		cfg.QueueBlockSeconds = 5
	}
	if cfg.StreamTrimThreshold <= 0 {
		cfg.StreamTrimThreshold = 2_000
	}
	if cfg.WorkerMaxConcurrency <= 0 {
		cfg.WorkerMaxConcurrency = 2
	}
	if cfg.SessionCookieName == "" {
		cfg.SessionCookieName = "broker_session"
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "0.0.0.0:8080"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.StoreDeadlineMS <= 0 {
		cfg.StoreDeadlineMS = 30_000
	}
	cfg.StoreDeadline = time.Duration(cfg.StoreDeadlineMS) * time.Millisecond
	if cfg.OTel.ServiceName == "" {
		cfg.OTel.ServiceName = "taskbroker"
	}
}
