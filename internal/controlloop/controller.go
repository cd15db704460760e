// Package controlloop runs the payment-health control loop: one tick folds new
// transactions into the window, evaluates it, decides, acts and learns.
//
// All loop state is owned by the goroutine calling Tick or Run. Other
// goroutines interact only through the inbound queues and read copies via
// Status and the decision log.
package controlloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"payops-agent/internal/actuator"
	"payops-agent/internal/aggregator"
	"payops-agent/internal/decisionlog"
	"payops-agent/internal/detector"
	"payops-agent/internal/guardrail"
	"payops-agent/internal/learner"
	"payops-agent/internal/metrics"
	"payops-agent/internal/queue"
	"payops-agent/internal/schema"
)

// Config holds the loop settings.
type Config struct {
	TickInterval           time.Duration `yaml:"tick_interval"`
	MaxTransactionsPerTick int           `yaml:"max_transactions_per_tick" validate:"gte=0"`
	FeedQueueSize          int           `yaml:"feed_queue_size" validate:"gte=1"`
	CommandQueueSize       int           `yaml:"command_queue_size" validate:"gte=1"`
	// IngestWhileDisabled keeps the aggregator running while the agent is off.
	// When false the feed is paused and transactions stay queued.
	IngestWhileDisabled bool `yaml:"ingest_while_disabled"`
	StartEnabled        bool `yaml:"start_enabled"`
	DecisionLogSize     int  `yaml:"decision_log_size" validate:"gte=1"`
}

// DefaultConfig returns the default loop settings.
func DefaultConfig() Config {
	return Config{
		TickInterval:           time.Second,
		MaxTransactionsPerTick: 5000,
		FeedQueueSize:          queue.DefaultSize,
		CommandQueueSize:       256,
		IngestWhileDisabled:    true,
		StartEnabled:           true,
		DecisionLogSize:        decisionlog.DefaultCapacity,
	}
}

// Validate checks the loop settings.
func (c Config) Validate() error {
	if c.TickInterval <= 0 {
		return errors.New("loop: tick_interval must be positive")
	}
	if c.MaxTransactionsPerTick < 0 {
		return errors.New("loop: max_transactions_per_tick must not be negative")
	}
	if c.FeedQueueSize < 1 || c.CommandQueueSize < 1 {
		return errors.New("loop: queue sizes must be at least 1")
	}
	if c.DecisionLogSize < 1 {
		return errors.New("loop: decision_log_size must be at least 1")
	}
	return nil
}

// Settings groups the configuration of every loop component.
type Settings struct {
	Loop       Config
	Aggregator aggregator.Config
	Detector   detector.Config
	Guardrails guardrail.Config
	Actuator   actuator.Config
	Learner    learner.Config
}

// DefaultSettings returns the default configuration of every component.
func DefaultSettings() Settings {
	return Settings{
		Loop:       DefaultConfig(),
		Aggregator: aggregator.DefaultConfig(),
		Detector:   detector.DefaultConfig(),
		Guardrails: guardrail.DefaultConfig(),
		Actuator:   actuator.DefaultConfig(),
		Learner:    learner.DefaultConfig(),
	}
}

// Validate checks every component configuration.
func (s Settings) Validate() error {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"loop", s.Loop.Validate},
		{"aggregator", s.Aggregator.Validate},
		{"detector", s.Detector.Validate},
		{"guardrails", s.Guardrails.Validate},
		{"actuator", s.Actuator.Validate},
		{"learner", s.Learner.Validate},
	}
	for _, c := range checks {
		if err := c.fn(); err != nil {
			return fmt.Errorf("%s: %w", c.name, err)
		}
	}
	return nil
}

// RecordSink receives a copy of every decision record.
type RecordSink interface {
	Enqueue(r decisionlog.Record)
}

// Option configures a Controller.
type Option func(*Controller)

// WithMetrics reports the loop to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithRecordSink forwards every record to s after it is logged.
func WithRecordSink(s RecordSink) Option {
	return func(c *Controller) { c.sink = s }
}

// WithObserver replaces the post-action observer.
func WithObserver(o actuator.Observer) Option {
	return func(c *Controller) { c.observer = o }
}

type commandKind int

const (
	cmdSetEnabled commandKind = iota
	cmdInject
)

type command struct {
	kind    commandKind
	enabled bool
	tx      *schema.Transaction
}

// Controller is the control loop.
type Controller struct {
	settings Settings

	agg      *aggregator.Aggregator
	det      *detector.Detector
	engine   *guardrail.Engine
	env      *actuator.Environment
	exec     *actuator.Executor
	learn    *learner.Learner
	observer actuator.Observer

	log     *decisionlog.Log
	sink    RecordSink
	metrics *metrics.Metrics

	feed     *queue.RingBuffer[*schema.Transaction]
	commands *queue.RingBuffer[command]
	// rejected counts transactions refused before the feed; folded into the
	// window's dropped count at the next ingesting tick.
	rejected atomic.Int64

	// loop-owned state
	tick       uint64
	enabled    bool
	thresholds schema.ThresholdState
	recent     []schema.Decision
	horizon    uint64

	mu     sync.RWMutex
	status Status
}

// New creates a Controller. Settings must already be validated.
func New(s Settings, opts ...Option) *Controller {
	c := &Controller{
		settings: s,
		agg:      aggregator.New(s.Aggregator),
		det:      detector.New(s.Detector),
		engine:   guardrail.NewEngine(s.Guardrails),
		env:      actuator.NewEnvironment(s.Actuator),
		learn:    learner.New(s.Learner),
		log:      decisionlog.NewLog(s.Loop.DecisionLogSize),
		feed:     queue.NewRingBuffer[*schema.Transaction](s.Loop.FeedQueueSize),
		commands: queue.NewRingBuffer[command](s.Loop.CommandQueueSize),
		enabled:  s.Loop.StartEnabled,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.observer == nil {
		c.observer = actuator.ProjectedObserver{Source: c.agg, Env: c.env}
	}
	c.exec = actuator.NewExecutor(s.Actuator, c.env, c.observer)

	c.horizon = uint64(s.Guardrails.IntervalTicks)
	if cd := uint64(s.Guardrails.CooldownTicks); cd > c.horizon {
		c.horizon = cd
	}

	c.thresholds = c.learn.Initial(time.Time{})
	c.publishStatus(time.Time{}, schema.MetricWindow{})
	if c.metrics != nil {
		c.metrics.SetEnabled(c.enabled)
		c.metrics.ObserveThresholds(c.thresholds)
	}
	return c
}

// Enqueue adds a transaction to the feed. It never blocks; a full feed
// returns queue.ErrQueueFull.
func (c *Controller) Enqueue(tx *schema.Transaction) error {
	return c.feed.Push(tx)
}

// CountDropped records n malformed transactions rejected by a feed path
// before they were enqueued. Safe for concurrent use.
func (c *Controller) CountDropped(n int) {
	if n > 0 {
		c.rejected.Add(int64(n))
	}
}

// SetAgentEnabled toggles the agent. The change takes effect at the next tick boundary.
func (c *Controller) SetAgentEnabled(enabled bool) error {
	return c.commands.Push(command{kind: cmdSetEnabled, enabled: enabled})
}

// InjectTransaction queues a manual transaction, folded in at the next tick
// boundary ahead of the regular feed.
func (c *Controller) InjectTransaction(tx *schema.Transaction) error {
	return c.commands.Push(command{kind: cmdInject, tx: tx})
}

// DecisionLog returns the in-memory decision log.
func (c *Controller) DecisionLog() *decisionlog.Log {
	return c.log
}

// Run ticks every TickInterval until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.settings.Loop.TickInterval)
	defer ticker.Stop()

	slog.Info("control loop started",
		"tick_interval", c.settings.Loop.TickInterval,
		"enabled", c.enabled,
		"ingest_while_disabled", c.settings.Loop.IngestWhileDisabled,
	)

	for {
		select {
		case <-ctx.Done():
			slog.Info("control loop stopped", "ticks", c.tick)
			return nil
		case now := <-ticker.C:
			c.Tick(ctx, now)
		}
	}
}

// Tick runs one control tick at now and returns its record.
func (c *Controller) Tick(ctx context.Context, now time.Time) decisionlog.Record {
	start := time.Now()
	c.tick++

	injected := c.applyCommands()
	ingesting := c.enabled || c.settings.Loop.IngestWhileDisabled

	rec := decisionlog.Record{
		Tick:    c.tick,
		Time:    now,
		Enabled: c.enabled,
		State:   schema.StateHold,
	}

	if ingesting {
		rec.Ingested = c.ingest(injected, now)
	} else {
		c.requeue(injected)
	}

	if c.enabled {
		rec.Expired = c.env.Expire(c.tick)
	}

	rec.Window = c.env.Project(c.agg.Snapshot())

	if c.enabled {
		c.step(ctx, now, &rec)
	}

	rec.Thresholds = c.thresholds.Clone()
	c.log.Append(rec)
	if c.sink != nil {
		c.sink.Enqueue(rec)
	}
	c.publishStatus(now, rec.Window)
	c.observe(rec, time.Since(start))

	return rec
}

// step runs detection, decision, execution and learning.
func (c *Controller) step(ctx context.Context, now time.Time, rec *decisionlog.Record) {
	feedback := learner.Feedback{
		Window:     rec.Window,
		Sufficient: c.det.Sufficient(rec.Window),
		Time:       now,
	}

	if sig, ok := c.det.Evaluate(rec.Window, c.thresholds); ok {
		rec.Signal = &sig
		feedback.Signal = &sig

		d := c.engine.Decide(sig, c.recent, c.tick, now)
		c.transition(rec, schema.StateProposed)
		rec.Decision = &d
		feedback.Decision = &d
		c.recent = append(c.recent, d)

		if d.Executed() {
			out := c.exec.Apply(ctx, d, rec.Window)
			c.transition(rec, schema.StateApplied)
			rec.Outcome = &out
			feedback.Outcome = &out
			c.transition(rec, schema.StateObserved)
			if out.RolledBack {
				slog.Warn("action rolled back",
					"tick", c.tick,
					"action", d.Action,
					"magnitude", d.Magnitude,
					"failure_reason", out.FailureReason,
				)
			} else {
				slog.Info("action applied",
					"tick", c.tick,
					"action", d.Action,
					"magnitude", d.Magnitude,
					"kind", sig.Kind,
					"severity", sig.Severity,
				)
			}
		} else {
			c.transition(rec, schema.StateHold)
			slog.Info("decision blocked by guardrail",
				"tick", c.tick,
				"proposed", d.Proposed,
				"guardrail", d.BlockedBy,
				"kind", sig.Kind,
			)
		}
	}

	c.thresholds = c.learn.Update(feedback, c.thresholds)
	c.prune()
}

func (c *Controller) transition(rec *decisionlog.Record, to schema.LoopState) {
	slog.Debug("loop state", "tick", rec.Tick, "from", rec.State, "to", to)
	rec.State = to
}

// applyCommands drains the command queue and returns injected transactions.
func (c *Controller) applyCommands() []*schema.Transaction {
	var injected []*schema.Transaction
	for _, cmd := range c.commands.Drain(0) {
		switch cmd.kind {
		case cmdSetEnabled:
			if cmd.enabled != c.enabled {
				slog.Info("agent toggled", "tick", c.tick, "enabled", cmd.enabled)
			}
			c.enabled = cmd.enabled
		case cmdInject:
			injected = append(injected, cmd.tx)
		}
	}
	return injected
}

func (c *Controller) ingest(injected []*schema.Transaction, now time.Time) int {
	batch := append(injected, c.feed.Drain(c.settings.Loop.MaxTransactionsPerTick)...)

	kept := 0
	for _, tx := range batch {
		if c.agg.Ingest(tx) {
			kept++
		}
	}
	rejected := int(c.rejected.Swap(0))
	c.agg.CountDropped(rejected)
	c.agg.Advance(now)

	if c.metrics != nil {
		c.metrics.TransactionsIngested.Add(float64(kept))
		c.metrics.TransactionsDropped.Add(float64(len(batch) - kept + rejected))
	}
	return kept
}

// requeue moves injected transactions onto the paused feed.
func (c *Controller) requeue(injected []*schema.Transaction) {
	for _, tx := range injected {
		if err := c.feed.Push(tx); err != nil {
			slog.Warn("injected transaction dropped", "tick", c.tick, "error", err)
		}
	}
}

// prune forgets decisions no guardrail can see any more.
func (c *Controller) prune() {
	i := 0
	for i < len(c.recent) && c.tick-c.recent[i].Tick >= c.horizon {
		i++
	}
	if i > 0 {
		c.recent = append(c.recent[:0], c.recent[i:]...)
	}
}

func (c *Controller) observe(rec decisionlog.Record, elapsed time.Duration) {
	if c.metrics == nil {
		return
	}
	c.metrics.Ticks.WithLabelValues(string(rec.State)).Inc()
	c.metrics.TickDuration.Observe(elapsed.Seconds())
	c.metrics.ObserveWindow(rec.Window)
	c.metrics.ObserveThresholds(rec.Thresholds)
	c.metrics.SetEnabled(rec.Enabled)
	if rec.Signal != nil {
		c.metrics.Signals.WithLabelValues(string(rec.Signal.Kind)).Inc()
	}
	if rec.Decision != nil {
		c.metrics.ObserveDecision(*rec.Decision, rec.Outcome)
	}
}
