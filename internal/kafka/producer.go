package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"payops-agent/internal/decisionlog"
)

// messageWriter is the part of kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes decision records to the decision topic.
type Producer struct {
	writer  messageWriter
	config  Config
	logger  *slog.Logger
	metrics producerMetrics
	closed  atomic.Bool
}

type producerMetrics struct {
	produced      atomic.Int64
	errors        atomic.Int64
	retries       atomic.Int64
	lastError     atomic.Value // string
	lastErrorTime atomic.Value // time.Time
}

// NewProducer creates a producer for cfg.DecisionTopic.
func NewProducer(cfg Config, logger *slog.Logger) (*Producer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.DecisionTopic == "" {
		return nil, errors.New("kafka: decision topic is required")
	}

	dialer, err := cfg.Dialer()
	if err != nil {
		return nil, err
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.DecisionTopic,
		Balancer:     &kafka.Hash{},
		BatchSize:    cfg.ProducerBatchSize,
		BatchTimeout: cfg.ProducerBatchTimeout,
		MaxAttempts:  cfg.ProducerMaxRetries,
		WriteTimeout: cfg.WriteTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		Compression:  cfg.Compression(),
		Transport: &kafka.Transport{
			Dial: dialer.DialFunc,
			TLS:  dialer.TLS,
			SASL: dialer.SASLMechanism,
		},
		Logger:      logFunc(logger, slog.LevelDebug, "kafka-writer"),
		ErrorLogger: logFunc(logger, slog.LevelError, "kafka-writer"),
	}

	logger.Info("kafka producer initialized",
		"brokers", cfg.Brokers,
		"topic", cfg.DecisionTopic,
		"compression", cfg.CompressionType,
	)

	return newProducer(writer, cfg, logger), nil
}

func newProducer(w messageWriter, cfg Config, logger *slog.Logger) *Producer {
	return &Producer{writer: w, config: cfg, logger: logger}
}

// Name implements decisionlog.Sink.
func (p *Producer) Name() string {
	return "kafka"
}

// Publish implements decisionlog.Sink. All records carry DecisionKey, so they
// land on one partition in tick order.
func (p *Producer) Publish(ctx context.Context, r decisionlog.Record) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}

	value, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("kafka: failed to marshal record: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(p.config.DecisionKey),
		Value: value,
		Time:  r.Time,
		Headers: []kafka.Header{
			{Key: "tick", Value: []byte(strconv.FormatUint(r.Tick, 10))},
			{Key: "state", Value: []byte(r.State)},
		},
	}
	if r.Decision != nil {
		msg.Headers = append(msg.Headers, kafka.Header{Key: "action", Value: []byte(r.Decision.Action)})
	}

	return p.produce(ctx, msg)
}

// produce writes messages, retrying with exponential backoff.
func (p *Producer) produce(ctx context.Context, msgs ...kafka.Message) error {
	var lastErr error
	backoff := p.config.ProducerRetryBackoff

	for attempt := 0; attempt <= p.config.ProducerMaxRetries; attempt++ {
		if attempt > 0 {
			p.metrics.retries.Add(1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
				backoff *= 2
			}
		}

		err := p.writer.WriteMessages(ctx, msgs...)
		if err == nil {
			p.metrics.produced.Add(int64(len(msgs)))
			return nil
		}

		lastErr = err
		p.metrics.errors.Add(1)
		p.metrics.lastError.Store(err.Error())
		p.metrics.lastErrorTime.Store(time.Now())

		p.logger.Warn("kafka produce failed",
			"error", err,
			"attempt", attempt+1,
			"max_attempts", p.config.ProducerMaxRetries+1,
		)

		if isNonRetryable(err) {
			return fmt.Errorf("kafka: non-retryable error: %w", err)
		}
	}

	return fmt.Errorf("kafka: failed after %d attempts: %w", p.config.ProducerMaxRetries+1, lastErr)
}

// GetMetrics returns producer statistics.
func (p *Producer) GetMetrics() Metrics {
	m := Metrics{
		MessagesProduced: p.metrics.produced.Load(),
		Errors:           p.metrics.errors.Load(),
		Retries:          p.metrics.retries.Load(),
	}
	if v, ok := p.metrics.lastError.Load().(string); ok {
		m.LastError = v
	}
	if v, ok := p.metrics.lastErrorTime.Load().(time.Time); ok {
		m.LastErrorTime = v
	}
	return m
}

// Close flushes and closes the producer.
func (p *Producer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	p.logger.Info("closing kafka producer", "messages_produced", p.metrics.produced.Load())

	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("kafka: failed to close producer: %w", err)
	}
	return nil
}

func isNonRetryable(err error) bool {
	for _, target := range []error{
		kafka.MessageSizeTooLarge,
		kafka.InvalidTopic,
		kafka.TopicAuthorizationFailed,
		kafka.ClusterAuthorizationFailed,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
