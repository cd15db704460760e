// Package config handles configuration loading for the payops agent.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"payops-agent/internal/actuator"
	"payops-agent/internal/aggregator"
	"payops-agent/internal/controlloop"
	"payops-agent/internal/decisionlog"
	"payops-agent/internal/detector"
	"payops-agent/internal/guardrail"
	"payops-agent/internal/kafka"
	"payops-agent/internal/learner"
	"payops-agent/internal/logging"
	"payops-agent/internal/redisfeed"
	"payops-agent/internal/schema"
)

// DefaultPath is read when PAYOPS_CONFIG_PATH is unset.
const DefaultPath = "configs/config.yaml"

// Config holds the complete application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Validation ValidationConfig `yaml:"validation"`
	Auth       AuthConfig       `yaml:"auth"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Logging    logging.Config   `yaml:"logging"`

	Loop       controlloop.Config `yaml:"loop"`
	Aggregator aggregator.Config  `yaml:"aggregator"`
	Detector   detector.Config    `yaml:"detector"`
	Guardrails guardrail.Config   `yaml:"guardrails"`
	Actuator   actuator.Config    `yaml:"actuator"`
	Learner    learner.Config     `yaml:"learner"`

	Kafka       kafka.Config                `yaml:"kafka"`
	Redis       redisfeed.Config            `yaml:"redis"`
	DecisionLog decisionlog.PublisherConfig `yaml:"decision_log"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	HTTPPort     int           `yaml:"http_port" validate:"gte=1,lte=65535"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// Production sanitizes error messages returned to clients.
	Production bool `yaml:"production"`
}

// IngestConfig holds HTTP ingestion limits.
type IngestConfig struct {
	MaxBatchSize   int `yaml:"max_batch_size" validate:"gte=1"`
	MaxPayloadSize int `yaml:"max_payload_size" validate:"gte=1"`
	// MaxDecisionsPage caps the limit parameter of the decisions endpoint.
	MaxDecisionsPage int `yaml:"max_decisions_page" validate:"gte=1"`
}

// ValidationConfig holds transaction timestamp bounds. Zero disables a bound.
type ValidationConfig struct {
	MaxTransactionAge time.Duration `yaml:"max_transaction_age" validate:"gte=0"`
	MaxFuture         time.Duration `yaml:"max_future" validate:"gte=0"`
}

// AuthConfig holds API key authentication settings.
type AuthConfig struct {
	Enabled      bool     `yaml:"enabled"`
	APIKeyHeader string   `yaml:"api_key_header"`
	APIKeys      []string `yaml:"api_keys"`
}

// RateLimitConfig holds per-client rate limiting settings.
type RateLimitConfig struct {
	Enabled           bool          `yaml:"enabled"`
	RequestsPerSecond float64       `yaml:"requests_per_second" validate:"gte=0"`
	BurstSize         int           `yaml:"burst_size" validate:"gte=0"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`   // forget clients idle this long
	CleanupPeriod     time.Duration `yaml:"cleanup_period"` // how often idle clients are swept
	ExemptPaths       []string      `yaml:"exempt_paths"`
	TrustProxy        bool          `yaml:"trust_proxy"` // trust X-Forwarded-For
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	loop := controlloop.DefaultSettings()
	return &Config{
		Server: ServerConfig{
			HTTPPort:     8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Ingest: IngestConfig{
			MaxBatchSize:     1000,
			MaxPayloadSize:   10 * 1024 * 1024, // 10MB
			MaxDecisionsPage: 500,
		},
		Validation: ValidationConfig{
			MaxTransactionAge: 24 * time.Hour,
			MaxFuture:         5 * time.Minute,
		},
		Auth: AuthConfig{
			Enabled:      false,
			APIKeyHeader: "X-API-Key",
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: 50,
			BurstSize:         100,
			IdleTimeout:       10 * time.Minute,
			CleanupPeriod:     5 * time.Minute,
			ExemptPaths:       []string{"/health", "/metrics"},
		},
		Logging:     logging.DefaultConfig(),
		Loop:        loop.Loop,
		Aggregator:  loop.Aggregator,
		Detector:    loop.Detector,
		Guardrails:  loop.Guardrails,
		Actuator:    loop.Actuator,
		Learner:     loop.Learner,
		Kafka:       kafka.DefaultConfig(),
		Redis:       redisfeed.DefaultConfig(),
		DecisionLog: decisionlog.DefaultPublisherConfig(),
	}
}

// Load reads the file named by PAYOPS_CONFIG_PATH, or DefaultPath, over the
// defaults and then applies environment overrides. A missing file is not an error.
func Load() (*Config, error) {
	path := os.Getenv("PAYOPS_CONFIG_PATH")
	if path == "" {
		path = DefaultPath
	}
	return LoadFile(path)
}

// LoadFile loads configuration from path.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() error {
	if port := os.Getenv("PAYOPS_HTTP_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid PAYOPS_HTTP_PORT: %w", err)
		}
		c.Server.HTTPPort = p
	}

	if level := os.Getenv("PAYOPS_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}

	if apiKey := os.Getenv("PAYOPS_API_KEY"); apiKey != "" {
		c.Auth.APIKeys = append(c.Auth.APIKeys, apiKey)
		c.Auth.Enabled = true
	}

	if brokers := os.Getenv("PAYOPS_KAFKA_BROKERS"); brokers != "" {
		c.Kafka.Brokers = splitAndTrim(brokers, ",")
		c.Kafka.Enabled = true
	}

	if addr := os.Getenv("PAYOPS_REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
		c.Redis.Enabled = true
	}

	if pass := os.Getenv("PAYOPS_REDIS_PASSWORD"); pass != "" {
		c.Redis.Password = pass
	}

	if enabled := os.Getenv("PAYOPS_RATELIMIT_ENABLED"); enabled == "false" {
		c.RateLimit.Enabled = false
	}

	return nil
}

func splitAndTrim(s, sep string) []string {
	var parts []string
	for _, part := range strings.Split(s, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// Settings returns the control loop component settings.
func (c *Config) Settings() controlloop.Settings {
	return controlloop.Settings{
		Loop:       c.Loop,
		Aggregator: c.Aggregator,
		Detector:   c.Detector,
		Guardrails: c.Guardrails,
		Actuator:   c.Actuator,
		Learner:    c.Learner,
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if c.Auth.Enabled {
		if c.Auth.APIKeyHeader == "" {
			return fmt.Errorf("auth: api_key_header is required")
		}
		if len(c.Auth.APIKeys) == 0 {
			return fmt.Errorf("auth: at least one api key is required when auth is enabled")
		}
	}

	if c.RateLimit.Enabled && c.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("rate_limit: requests_per_second must be positive")
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging: %w", err)
	}

	if err := c.Settings().Validate(); err != nil {
		return err
	}

	checks := []struct {
		name string
		fn   func() error
	}{
		{"kafka", c.Kafka.Validate},
		{"redis", c.Redis.Validate},
		{"decision_log", c.DecisionLog.Validate},
	}
	for _, check := range checks {
		if err := check.fn(); err != nil {
			return fmt.Errorf("%s: %w", check.name, err)
		}
	}

	return nil
}

// ValidatorConfig returns the transaction validator settings.
func (c *Config) ValidatorConfig() schema.ValidatorConfig {
	return schema.ValidatorConfig{
		MaxAge:    c.Validation.MaxTransactionAge,
		MaxFuture: c.Validation.MaxFuture,
	}
}
