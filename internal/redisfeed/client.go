// Package redisfeed publishes decision records to Redis: every record goes to
// a pub/sub channel and the newest one is kept under a key for late readers.
package redisfeed

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client is the subset of Redis the sink needs.
type Client interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Close() error
}

// GoRedisClient wraps go-redis to implement Client.
type GoRedisClient struct {
	client *redis.Client
}

// NewGoRedisClient connects to Redis and verifies the connection.
func NewGoRedisClient(cfg Config) (*GoRedisClient, error) {
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &GoRedisClient{client: client}, nil
}

// Publish sends payload to channel.
func (g *GoRedisClient) Publish(ctx context.Context, channel string, payload []byte) error {
	return g.client.Publish(ctx, channel, payload).Err()
}

// Set stores a value with TTL; a zero TTL keeps it forever.
func (g *GoRedisClient) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return g.client.Set(ctx, key, value, ttl).Err()
}

// Close closes the Redis connection.
func (g *GoRedisClient) Close() error {
	return g.client.Close()
}

// MockClient is an in-memory Client for tests.
type MockClient struct {
	mu        sync.RWMutex
	data      map[string][]byte
	published map[string][][]byte
	closed    bool
	// Err, when set, is returned by every call.
	Err error
}

// NewMockClient creates an empty mock client.
func NewMockClient() *MockClient {
	return &MockClient{
		data:      make(map[string][]byte),
		published: make(map[string][][]byte),
	}
}

// Publish records payload under channel.
func (m *MockClient) Publish(ctx context.Context, channel string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(); err != nil {
		return err
	}
	m.published[channel] = append(m.published[channel], payload)
	return nil
}

// Set stores value.
func (m *MockClient) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(); err != nil {
		return err
	}
	m.data[key] = value
	return nil
}

// Value returns the stored value for key.
func (m *MockClient) Value(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok
}

// Published returns the payloads sent to channel.
func (m *MockClient) Published(channel string) [][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([][]byte(nil), m.published[channel]...)
}

// Close marks the client as closed.
func (m *MockClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MockClient) check() error {
	if m.closed {
		return errors.New("client closed")
	}
	return m.Err
}
