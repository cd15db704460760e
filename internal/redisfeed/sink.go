package redisfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"payops-agent/internal/decisionlog"
)

// Config holds the Redis connection and feed settings.
type Config struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db" validate:"gte=0"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	MaxRetries   int           `yaml:"max_retries"`
	TLSEnabled   bool          `yaml:"tls_enabled"`

	// Channel receives every decision record.
	Channel string `yaml:"channel"`
	// LatestKey holds the newest record.
	LatestKey string        `yaml:"latest_key"`
	LatestTTL time.Duration `yaml:"latest_ttl"`
}

// DefaultConfig returns the default settings. The feed is disabled by default.
func DefaultConfig() Config {
	return Config{
		Addr:         "localhost:6379",
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
		Channel:      "payops:decisions",
		LatestKey:    "payops:decisions:latest",
		LatestTTL:    10 * time.Minute,
	}
}

// Validate checks the settings. A disabled config is always valid.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Addr == "" {
		return errors.New("redis: addr is required")
	}
	if c.Channel == "" && c.LatestKey == "" {
		return errors.New("redis: a channel or latest key is required")
	}
	if c.DB < 0 {
		return errors.New("redis: db must not be negative")
	}
	return nil
}

// Sink publishes decision records through a Client.
type Sink struct {
	client Client
	cfg    Config
}

// NewSink creates a sink over client.
func NewSink(client Client, cfg Config) *Sink {
	return &Sink{client: client, cfg: cfg}
}

// Name implements decisionlog.Sink.
func (s *Sink) Name() string {
	return "redis"
}

// Publish implements decisionlog.Sink.
func (s *Sink) Publish(ctx context.Context, r decisionlog.Record) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("redis: failed to marshal record: %w", err)
	}

	if s.cfg.LatestKey != "" {
		if err := s.client.Set(ctx, s.cfg.LatestKey, payload, s.cfg.LatestTTL); err != nil {
			return fmt.Errorf("redis: failed to store latest record: %w", err)
		}
	}
	if s.cfg.Channel != "" {
		if err := s.client.Publish(ctx, s.cfg.Channel, payload); err != nil {
			return fmt.Errorf("redis: failed to publish record: %w", err)
		}
	}
	return nil
}

// Close closes the underlying client.
func (s *Sink) Close() error {
	return s.client.Close()
}
