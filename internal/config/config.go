package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Environment variables that override file values.
const (
	EnvToken      = "MSGSYNC_TOKEN"
	EnvBackendURL = "MSGSYNC_BACKEND_URL"
	EnvPushURL    = "MSGSYNC_PUSH_URL"
	EnvUserID     = "MSGSYNC_USER_ID"
)

// Config represents the global ~/.msgsync/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile" validate:"omitempty,max=64"`
	LogLevel       string `toml:"log_level"       validate:"oneof=debug info warn error"`
	// UserID is the account the engine syncs for; it decides which
	// messages count as "mine" for read receipts.
	UserID string `toml:"user_id" validate:"required"`

	Backend Backend `toml:"backend"`
	Push    Push    `toml:"push"`
	Queue   Queue   `toml:"queue"`
	Sync    Sync    `toml:"sync"`
	Metrics Metrics `toml:"metrics"`
}

// Backend configures the HTTP client for the message backend.
type Backend struct {
	BaseURL         string        `toml:"base_url"         validate:"omitempty,url"`
	Token           string        `toml:"token"`
	Timeout         time.Duration `toml:"timeout"          validate:"min=1s,max=5m"`
	RetryAttempts   uint          `toml:"retry_attempts"   validate:"min=1,max=10"`
	RetryDelay      time.Duration `toml:"retry_delay"      validate:"min=10ms"`
	BreakerFailures uint32        `toml:"breaker_failures" validate:"min=1"`
	BreakerCooldown time.Duration `toml:"breaker_cooldown" validate:"min=1s"`
}

// Push configures the push channel.
type Push struct {
	URL               string        `toml:"url"                validate:"omitempty,url"`
	BackoffBase       time.Duration `toml:"backoff_base"       validate:"min=10ms"`
	BackoffMax        time.Duration `toml:"backoff_max"        validate:"gtefield=BackoffBase"`
	MaxAttempts       int           `toml:"max_attempts"       validate:"min=0"`
	HeartbeatInterval time.Duration `toml:"heartbeat_interval" validate:"min=1s"`
	HeartbeatTimeout  time.Duration `toml:"heartbeat_timeout"  validate:"min=1s"`
}

// Queue configures the durable retry queue.
type Queue struct {
	Backend     string `toml:"backend"     validate:"oneof=sqlite pebble"`
	Concurrency int    `toml:"concurrency" validate:"min=1,max=64"`
}

// Sync configures event reconciliation.
type Sync struct {
	PendingTTL    time.Duration `toml:"pending_ttl"    validate:"min=1s"`
	PendingLimit  int           `toml:"pending_limit"  validate:"min=1"`
	SweepInterval time.Duration `toml:"sweep_interval" validate:"min=1s"`
}

// Metrics configures the Prometheus endpoint. An empty address disables it.
type Metrics struct {
	Addr string `toml:"addr" validate:"omitempty,hostname_port"`
}

// Default returns a config with every optional field set.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Backend: Backend{
			Timeout:         15 * time.Second,
			RetryAttempts:   3,
			RetryDelay:      200 * time.Millisecond,
			BreakerFailures: 5,
			BreakerCooldown: 30 * time.Second,
		},
		Push: Push{
			BackoffBase:       time.Second,
			BackoffMax:        30 * time.Second,
			MaxAttempts:       10,
			HeartbeatInterval: 25 * time.Second,
			HeartbeatTimeout:  10 * time.Second,
		},
		Queue: Queue{
			Backend:     "sqlite",
			Concurrency: 4,
		},
		Sync: Sync{
			PendingTTL:    30 * time.Second,
			PendingLimit:  1024,
			SweepInterval: 10 * time.Second,
		},
		Metrics: Metrics{Addr: "127.0.0.1:9464"},
	}
}

// Load reads config from the given path on top of the defaults. Returns an
// error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields the defaults.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// ApplyEnv loads envFile (if present) into the process environment and
// overrides credentials and endpoints from it.
func ApplyEnv(cfg *Config, envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	if v := os.Getenv(EnvToken); v != "" {
		cfg.Backend.Token = v
	}
	if v := os.Getenv(EnvBackendURL); v != "" {
		cfg.Backend.BaseURL = v
	}
	if v := os.Getenv(EnvPushURL); v != "" {
		cfg.Push.URL = v
	}
	if v := os.Getenv(EnvUserID); v != "" {
		cfg.UserID = v
	}
	return nil
}

// Validate checks field constraints.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
