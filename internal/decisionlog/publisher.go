package decisionlog

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"payops-agent/internal/queue"
)

// Sink receives published records.
type Sink interface {
	Name() string
	Publish(ctx context.Context, r Record) error
}

// PublisherConfig holds the publisher configuration.
type PublisherConfig struct {
	// QueueSize bounds each sink's backlog.
	QueueSize      int           `yaml:"queue_size" validate:"gte=1"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
	ShutdownWait   time.Duration `yaml:"shutdown_wait"`
}

// DefaultPublisherConfig returns the default publisher configuration.
func DefaultPublisherConfig() PublisherConfig {
	return PublisherConfig{
		QueueSize:      1024,
		PollInterval:   50 * time.Millisecond,
		PublishTimeout: 5 * time.Second,
		ShutdownWait:   10 * time.Second,
	}
}

// Validate checks the publisher configuration.
func (c PublisherConfig) Validate() error {
	if c.QueueSize < 1 {
		return errors.New("decision_log: queue_size must be at least 1")
	}
	if c.PollInterval <= 0 || c.PublishTimeout <= 0 || c.ShutdownWait <= 0 {
		return errors.New("decision_log: poll_interval, publish_timeout and shutdown_wait must be positive")
	}
	return nil
}

// sinkQueue is one sink's backlog. A single goroutine drains it, so each
// sink sees records in tick order and a slow sink never holds up the others.
type sinkQueue struct {
	sink  Sink
	queue *queue.RingBuffer[Record]
}

// Publisher drains queued records to every sink. Sink failures are logged and
// counted; they never reach the control loop.
type Publisher struct {
	sinks  []sinkQueue
	config PublisherConfig

	wg       sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once

	published uint64
	dropped   uint64
	errors    uint64
}

// NewPublisher creates a publisher for sinks.
func NewPublisher(cfg PublisherConfig, sinks ...Sink) *Publisher {
	p := &Publisher{
		config: cfg,
		done:   make(chan struct{}),
	}
	for _, s := range sinks {
		p.sinks = append(p.sinks, sinkQueue{sink: s, queue: queue.NewRingBuffer[Record](cfg.QueueSize)})
	}
	return p
}

// Enqueue queues r for every sink without blocking. A sink whose backlog is
// full misses r.
func (p *Publisher) Enqueue(r Record) {
	if len(p.sinks) == 0 {
		return
	}
	r = r.Clone()
	for _, sq := range p.sinks {
		if err := sq.queue.Push(r); err != nil {
			atomic.AddUint64(&p.dropped, 1)
			slog.Debug("decision record not queued", "sink", sq.sink.Name(), "tick", r.Tick, "error", err)
		}
	}
}

// Start starts one worker per sink.
func (p *Publisher) Start(ctx context.Context) {
	if len(p.sinks) == 0 {
		return
	}
	names := make([]string, len(p.sinks))
	for i, sq := range p.sinks {
		names[i] = sq.sink.Name()
		p.wg.Add(1)
		go p.worker(ctx, sq)
	}
	slog.Info("decision publisher started", "sinks", names)
}

func (p *Publisher) worker(ctx context.Context, sq sinkQueue) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		default:
		}

		r, err := sq.queue.PopWithTimeout(p.config.PollInterval)
		if err != nil {
			if errors.Is(err, queue.ErrQueueClosed) {
				return
			}
			continue
		}
		p.publish(ctx, sq.sink, r)
	}
}

func (p *Publisher) publish(ctx context.Context, sink Sink, r Record) {
	sctx, cancel := context.WithTimeout(ctx, p.config.PublishTimeout)
	err := sink.Publish(sctx, r)
	cancel()

	if err != nil {
		atomic.AddUint64(&p.errors, 1)
		slog.Warn("failed to publish decision record",
			"sink", sink.Name(),
			"tick", r.Tick,
			"error", err,
		)
		return
	}
	atomic.AddUint64(&p.published, 1)
}

// Stop stops the workers after they drain what is already queued or
// ShutdownWait elapses.
func (p *Publisher) Stop() {
	p.stopOnce.Do(func() {
		for _, sq := range p.sinks {
			sq.queue.Close()
		}

		finished := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(finished)
		}()

		select {
		case <-finished:
			slog.Info("decision publisher stopped gracefully")
		case <-time.After(p.config.ShutdownWait):
			close(p.done)
			slog.Warn("decision publisher shutdown timed out")
		}
	})
}

// Metrics returns publisher statistics.
func (p *Publisher) Metrics() PublisherMetrics {
	return PublisherMetrics{
		Published: atomic.LoadUint64(&p.published),
		Dropped:   atomic.LoadUint64(&p.dropped),
		Errors:    atomic.LoadUint64(&p.errors),
		Queued:    p.queued(),
	}
}

func (p *Publisher) queued() int {
	n := 0
	for _, sq := range p.sinks {
		n += sq.queue.Len()
	}
	return n
}

// PublisherMetrics holds publisher statistics.
type PublisherMetrics struct {
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	Errors    uint64 `json:"errors"`
	Queued    int    `json:"queued"` // summed over sinks
}
