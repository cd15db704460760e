package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"payops-agent/internal/queue"
	"payops-agent/internal/schema"
)

// messageReader is the part of kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Feed accepts decoded transactions. controlloop.Controller.Enqueue satisfies it.
type Feed func(tx *schema.Transaction) error

// DropCounter is told about transactions rejected as malformed.
// controlloop.Controller.CountDropped satisfies it.
type DropCounter func(n int)

// Consumer reads transactions from the transaction topic into the loop feed.
type Consumer struct {
	reader    messageReader
	config    Config
	logger    *slog.Logger
	validator *schema.Validator
	feed      Feed
	dropped   DropCounter

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closed  atomic.Bool
	started atomic.Bool

	consumed      atomic.Int64
	invalid       atomic.Int64
	errors        atomic.Int64
	lastError     atomic.Value // string
	lastErrorTime atomic.Value // time.Time
}

// NewConsumer creates a consumer group reader on cfg.TransactionTopic.
func NewConsumer(cfg Config, validator *schema.Validator, feed Feed, logger *slog.Logger) (*Consumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.TransactionTopic == "" {
		return nil, errors.New("kafka: transaction topic is required")
	}
	if feed == nil {
		return nil, errors.New("kafka: feed is required")
	}

	dialer, err := cfg.Dialer()
	if err != nil {
		return nil, err
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.ConsumerGroup,
		Topic:          cfg.TransactionTopic,
		Dialer:         dialer,
		MinBytes:       cfg.ConsumerMinBytes,
		MaxBytes:       cfg.ConsumerMaxBytes,
		MaxWait:        cfg.ConsumerMaxWait,
		CommitInterval: cfg.CommitInterval,
		StartOffset:    cfg.StartOffset,
		ReadBackoffMin: 100 * time.Millisecond,
		ReadBackoffMax: time.Second,
		Logger:         logFunc(logger, slog.LevelDebug, "kafka-reader"),
		ErrorLogger:    logFunc(logger, slog.LevelError, "kafka-reader"),
	})

	logger.Info("kafka consumer initialized",
		"brokers", cfg.Brokers,
		"topic", cfg.TransactionTopic,
		"group", cfg.ConsumerGroup,
	)

	return newConsumer(reader, cfg, validator, feed, logger), nil
}

func newConsumer(r messageReader, cfg Config, validator *schema.Validator, feed Feed, logger *slog.Logger) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		reader:    r,
		config:    cfg,
		logger:    logger,
		validator: validator,
		feed:      feed,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// WithDropCounter reports invalid messages to fn.
func (c *Consumer) WithDropCounter(fn DropCounter) *Consumer {
	c.dropped = fn
	return c
}

// StartAsync begins consuming in a goroutine. Use Stop to end it.
func (c *Consumer) StartAsync() error {
	if c.closed.Load() {
		return ErrConsumerClosed
	}
	if c.started.Swap(true) {
		return errors.New("kafka: consumer already started")
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.consumeLoop(); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("consumer loop exited with error", "error", err)
		}
	}()

	c.logger.Info("kafka consumer started", "topic", c.config.TransactionTopic)
	return nil
}

func (c *Consumer) consumeLoop() error {
	for {
		msg, err := c.reader.FetchMessage(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return c.ctx.Err()
			}
			c.recordError(err)
			c.logger.Error("failed to fetch message", "error", err, "topic", c.config.TransactionTopic)

			select {
			case <-c.ctx.Done():
				return c.ctx.Err()
			case <-time.After(time.Second):
				continue
			}
		}

		if err := c.handle(msg); err != nil {
			if c.ctx.Err() != nil {
				return c.ctx.Err()
			}
			c.invalid.Add(1)
			if c.dropped != nil && errors.Is(err, ErrInvalidMessage) {
				c.dropped(1)
			}
			c.logger.Warn("skipping invalid transaction message",
				"error", err,
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
		} else {
			c.consumed.Add(1)
		}

		// Invalid messages are committed too; redelivery cannot fix them.
		if err := c.reader.CommitMessages(c.ctx, msg); err != nil && c.ctx.Err() == nil {
			c.recordError(err)
			c.logger.Error("failed to commit offset", "error", err, "offset", msg.Offset)
		}
	}
}

// handle decodes msg and pushes it into the feed, waiting while the feed is full.
func (c *Consumer) handle(msg kafka.Message) error {
	tx, err := decodeTransaction(msg.Value)
	if err != nil {
		return err
	}
	if c.validator != nil {
		if err := c.validator.Validate(tx); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
	}

	for {
		err := c.feed(tx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, queue.ErrQueueFull) {
			return err
		}
		select {
		case <-c.ctx.Done():
			return c.ctx.Err()
		case <-time.After(c.config.FeedBackoff):
		}
	}
}

func decodeTransaction(value []byte) (*schema.Transaction, error) {
	var tx schema.Transaction
	if err := json.Unmarshal(value, &tx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if tx.ID == uuid.Nil {
		tx.ID = uuid.New()
	}
	return &tx, nil
}

func (c *Consumer) recordError(err error) {
	c.errors.Add(1)
	c.lastError.Store(err.Error())
	c.lastErrorTime.Store(time.Now())
}

// GetMetrics returns consumer statistics.
func (c *Consumer) GetMetrics() Metrics {
	m := Metrics{
		MessagesConsumed: c.consumed.Load(),
		Invalid:          c.invalid.Load(),
		Errors:           c.errors.Load(),
	}
	if v, ok := c.lastError.Load().(string); ok {
		m.LastError = v
	}
	if v, ok := c.lastErrorTime.Load().(time.Time); ok {
		m.LastErrorTime = v
	}
	return m
}

// Stop stops consuming and closes the reader.
func (c *Consumer) Stop() error {
	if c.closed.Swap(true) {
		return nil
	}

	c.logger.Info("stopping kafka consumer", "messages_consumed", c.consumed.Load())

	c.cancel()
	c.wg.Wait()

	if err := c.reader.Close(); err != nil {
		return fmt.Errorf("kafka: failed to close consumer: %w", err)
	}
	return nil
}
