// Package config loads application configuration from a YAML file and
// environment variables. Environment variables use the GATEWARDEN_ prefix
// with double underscores separating nesting levels, e.g.
// GATEWARDEN_SERVER__PORT overrides server.port.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "GATEWARDEN_"

// Config is the root application configuration.
type Config struct {
	Server         ServerConfig         `koanf:"server"`
	Database       DatabaseConfig       `koanf:"database"`
	Log            LogConfig            `koanf:"log"`
	Auth           AuthConfig           `koanf:"auth"`
	Admission      AdmissionConfig      `koanf:"admission"`
	CircuitBreaker CircuitBreakerConfig `koanf:"circuit_breaker"`
	Monitor        MonitorConfig        `koanf:"monitor"`
	Incident       IncidentConfig       `koanf:"incident"`
	Rollback       RollbackConfig       `koanf:"rollback"`
	Escalation     EscalationConfig     `koanf:"escalation"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port" validate:"required"`
	MetricsPort       string        `koanf:"metrics_port" validate:"required"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
}

// DatabaseConfig contains PostgreSQL configuration.
type DatabaseConfig struct {
	URL             string        `koanf:"url" validate:"required"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
	ConnectAttempts int           `koanf:"connect_attempts"`
}

// LogConfig contains logging configuration.
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json text"`
}

// AuthConfig contains API authentication configuration. The admission
// webhook itself is unauthenticated; the operator API requires the token.
type AuthConfig struct {
	Token string `koanf:"token" validate:"required"`
}

// AdmissionConfig contains admission pipeline configuration.
type AdmissionConfig struct {
	Timeout      time.Duration `koanf:"timeout"`
	CELCostLimit uint64        `koanf:"cel_cost_limit"`
}

// CircuitBreakerConfig contains enforcement circuit breaker configuration.
type CircuitBreakerConfig struct {
	DenyRateThreshold float64       `koanf:"deny_rate_threshold" validate:"gte=0,lte=1"`
	Window            time.Duration `koanf:"window"`
	MinSamples        int           `koanf:"min_samples"`
}

// MonitorConfig contains health monitor configuration.
type MonitorConfig struct {
	// SourceURL is the pull-based signal source; empty disables polling and
	// signals arrive only through the ingest endpoint.
	SourceURL         string        `koanf:"source_url"`
	PollInterval      time.Duration `koanf:"poll_interval"`
	CrashLoopRestarts int           `koanf:"crash_loop_restarts"`
	CrashLoopWindow   time.Duration `koanf:"crash_loop_window"`
	ImagePullRetries  int           `koanf:"image_pull_retries"`
}

// IncidentConfig contains incident manager configuration.
type IncidentConfig struct {
	HealthyStreak int `koanf:"healthy_streak"`
}

// RollbackConfig contains rollback engine configuration.
type RollbackConfig struct {
	// TargetURL is the deployment platform adapter; empty disables rollback
	// execution and every trigger escalates instead.
	TargetURL        string        `koanf:"target_url"`
	TargetToken      string        `koanf:"target_token"`
	StabilizeTimeout time.Duration `koanf:"stabilize_timeout"`
	PollInterval     time.Duration `koanf:"poll_interval"`
	MaxAttempts      int           `koanf:"max_attempts"`
}

// EscalationConfig contains escalation dispatcher configuration.
type EscalationConfig struct {
	MaxAttempts       int                 `koanf:"max_attempts"`
	InitialBackoff    time.Duration       `koanf:"initial_backoff"`
	BackoffMultiplier float64             `koanf:"backoff_multiplier"`
	BusinessHours     BusinessHoursConfig `koanf:"business_hours"`
	Pager             PagerConfig         `koanf:"pager"`
	Slack             SlackConfig         `koanf:"slack"`
	Email             EmailConfig         `koanf:"email"`
}

// BusinessHoursConfig defines the paging window for non-P1 tiers.
type BusinessHoursConfig struct {
	StartHour int    `koanf:"start_hour" validate:"gte=0,lte=23"`
	EndHour   int    `koanf:"end_hour" validate:"gte=1,lte=24"`
	Timezone  string `koanf:"timezone"`
}

// PagerConfig contains pager sender configuration.
type PagerConfig struct {
	Enabled    bool    `koanf:"enabled"`
	WebhookURL string  `koanf:"webhook_url"`
	RoutingKey string  `koanf:"routing_key"`
	RateLimit  float64 `koanf:"rate_limit"`
}

// SlackConfig contains Slack sender configuration.
type SlackConfig struct {
	Enabled    bool   `koanf:"enabled"`
	WebhookURL string `koanf:"webhook_url"`
	Username   string `koanf:"username"`
	IconURL    string `koanf:"icon_url"`
}

// EmailConfig contains SMTP sender configuration.
type EmailConfig struct {
	Enabled      bool     `koanf:"enabled"`
	SMTPHost     string   `koanf:"smtp_host"`
	SMTPPort     int      `koanf:"smtp_port"`
	SMTPUser     string   `koanf:"smtp_user"`
	SMTPPassword string   `koanf:"smtp_password"`
	FromAddress  string   `koanf:"from_address"`
	Recipients   []string `koanf:"recipients"`
}

// Default returns the built-in configuration defaults.
func Default() Config {
	return Config{
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
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			ConnectTimeout:  30 * time.Second,
			ConnectAttempts: 5,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Admission: AdmissionConfig{
			Timeout:      10 * time.Second,
			CELCostLimit: 10000,
		},
		CircuitBreaker: CircuitBreakerConfig{
			DenyRateThreshold: 0.5,
			Window:            5 * time.Minute,
			MinSamples:        20,
		},
		Monitor: MonitorConfig{
			PollInterval:      15 * time.Second,
			CrashLoopRestarts: 3,
			CrashLoopWindow:   5 * time.Minute,
			ImagePullRetries:  3,
		},
		Incident: IncidentConfig{
			HealthyStreak: 3,
		},
		Rollback: RollbackConfig{
			StabilizeTimeout: 5 * time.Minute,
			PollInterval:     10 * time.Second,
			MaxAttempts:      2,
		},
		Escalation: EscalationConfig{
			MaxAttempts:       3,
			InitialBackoff:    2 * time.Second,
			BackoffMultiplier: 2.0,
			BusinessHours: BusinessHoursConfig{
				StartHour: 9,
				EndHour:   18,
				Timezone:  "UTC",
			},
		},
	}
}

// Load reads configuration from the given YAML file (optional) and the
// environment, layered over the defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat config file %s: %w", path, err)
		}
	}

	err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
		return strings.ReplaceAll(s, "__", ".")
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	if cfg.Escalation.BusinessHours.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Escalation.BusinessHours.Timezone); err != nil {
			return nil, fmt.Errorf("invalid business hours timezone: %w", err)
		}
	}

	return &cfg, nil
}
