// Package config loads application configuration from a YAML file and
// POSTSCHEDULER_ environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of environment overrides. A double underscore
// separates nesting levels: POSTSCHEDULER_DISPATCH__TICK_INTERVAL.
const EnvPrefix = "POSTSCHEDULER_"

// outcomeWriteMargin is the time a dispatcher may spend writing an outcome
// back after the delivery timeout has run out.
const outcomeWriteMargin = 10 * time.Second

// Config is the root configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Database   DatabaseConfig   `koanf:"database"`
	Log        LogConfig        `koanf:"log"`
	JWT        JWTConfig        `koanf:"jwt"`
	CORS       CORSConfig       `koanf:"cors"`
	Dispatch   DispatchConfig   `koanf:"dispatch"`
	Retry      RetryConfig      `koanf:"retry"`
	Telegram   TelegramConfig   `koanf:"telegram"`
	Mattermost MattermostConfig `koanf:"mattermost"`
	Valkey     ValkeyConfig     `koanf:"valkey"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port"`
	MetricsPort       string        `koanf:"metrics_port"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
}

// DatabaseConfig holds PostgreSQL settings.
type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
	ConnectAttempts int           `koanf:"connect_attempts"`
	AutoMigrate     bool          `koanf:"auto_migrate"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// JWTConfig holds bearer token settings.
type JWTConfig struct {
	SecretKey     string        `koanf:"secret_key"`
	TokenDuration time.Duration `koanf:"token_duration"`
}

// CORSConfig holds CORS settings.
type CORSConfig struct {
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// DispatchConfig holds dispatcher settings.
type DispatchConfig struct {
	Enabled          bool          `koanf:"enabled"`
	TickInterval     time.Duration `koanf:"tick_interval"`
	LeaseTimeout     time.Duration `koanf:"lease_timeout"`
	DeliveryTimeout  time.Duration `koanf:"delivery_timeout"`
	Workers          int           `koanf:"workers"`
	RetryBatchSize   int           `koanf:"retry_batch_size"`
	EmptyQueuePolicy string        `koanf:"empty_queue_policy"`
	MaxCatchUp       int           `koanf:"max_catch_up"`
}

// RetryConfig holds the delivery retry policy.
type RetryConfig struct {
	BaseDelay   time.Duration `koanf:"base_delay"`
	MaxDelay    time.Duration `koanf:"max_delay"`
	MaxAttempts int           `koanf:"max_attempts"`
}

// TelegramConfig holds Telegram gateway settings.
type TelegramConfig struct {
	Enabled     bool          `koanf:"enabled"`
	BotToken    string        `koanf:"bot_token"`
	APIURL      string        `koanf:"api_url"`
	MinInterval time.Duration `koanf:"min_interval"`
	Timeout     time.Duration `koanf:"timeout"`
	NotifyOwner bool          `koanf:"notify_owner"`
}

// MattermostConfig holds Mattermost gateway settings.
type MattermostConfig struct {
	Username string        `koanf:"username"`
	IconURL  string        `koanf:"icon_url"`
	Timeout  time.Duration `koanf:"timeout"`
}

// ValkeyConfig holds settings of the cross-replica wake-up channel.
type ValkeyConfig struct {
	Enabled        bool          `koanf:"enabled"`
	Address        string        `koanf:"address"`
	Password       string        `koanf:"password"`
	DB             int           `koanf:"db"`
	KeyPrefix      string        `koanf:"key_prefix"`
	ConnectTimeout time.Duration `koanf:"connect_timeout"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              "8080",
			MetricsPort:       "9090",
			ReadTimeout:       15 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 30 * time.Minute,
			ConnectTimeout:  30 * time.Second,
			ConnectAttempts: 5,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		JWT: JWTConfig{
			TokenDuration: 24 * time.Hour,
		},
		Dispatch: DispatchConfig{
			Enabled:          true,
			TickInterval:     30 * time.Second,
			LeaseTimeout:     5 * time.Minute,
			DeliveryTimeout:  30 * time.Second,
			Workers:          5,
			RetryBatchSize:   100,
			EmptyQueuePolicy: "advance",
			MaxCatchUp:       20,
		},
		Retry: RetryConfig{
			BaseDelay:   60 * time.Second,
			MaxDelay:    time.Hour,
			MaxAttempts: 5,
		},
		Telegram: TelegramConfig{
			APIURL:      "https://api.telegram.org",
			MinInterval: 3 * time.Second,
			Timeout:     30 * time.Second,
			NotifyOwner: true,
		},
		Mattermost: MattermostConfig{
			Username: "post-scheduler",
			Timeout:  10 * time.Second,
		},
		Valkey: ValkeyConfig{
			Address:        "localhost:6379",
			KeyPrefix:      "postscheduler",
			ConnectTimeout: 5 * time.Second,
		},
	}
}

// Load reads the configuration with Read and validates it.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read layers defaults, the YAML file at path (if any) and the environment,
// without validation. Commands that need only part of the configuration
// use it directly.
func Read(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func envKey(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(s), "__", ".")
}

// Validate checks settings that would make the service misbehave.
func (c *Config) Validate() error {
	var errs []error

	if c.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required"))
	}
	if c.JWT.SecretKey == "" {
		errs = append(errs, errors.New("jwt.secret_key is required"))
	}
	if c.Dispatch.TickInterval <= 0 {
		errs = append(errs, errors.New("dispatch.tick_interval must be positive"))
	}
	if c.Dispatch.DeliveryTimeout <= 0 {
		errs = append(errs, errors.New("dispatch.delivery_timeout must be positive"))
	}
	if c.Dispatch.LeaseTimeout <= c.Dispatch.DeliveryTimeout+outcomeWriteMargin {
		errs = append(errs, fmt.Errorf("dispatch.lease_timeout must exceed dispatch.delivery_timeout by more than %s", outcomeWriteMargin))
	}
	if c.Dispatch.Workers < 1 {
		errs = append(errs, errors.New("dispatch.workers must be at least 1"))
	}
	if c.Dispatch.RetryBatchSize < 1 {
		errs = append(errs, errors.New("dispatch.retry_batch_size must be at least 1"))
	}
	switch c.Dispatch.EmptyQueuePolicy {
	case "advance", "hold":
	default:
		errs = append(errs, fmt.Errorf("dispatch.empty_queue_policy must be advance or hold, got %q", c.Dispatch.EmptyQueuePolicy))
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		errs = append(errs, errors.New("retry.base_delay must be positive and not above retry.max_delay"))
	}
	if c.Retry.MaxAttempts < 0 {
		errs = append(errs, errors.New("retry.max_attempts must not be negative"))
	}
	if c.Telegram.Enabled && c.Telegram.BotToken == "" {
		errs = append(errs, errors.New("telegram.bot_token is required when telegram is enabled"))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
