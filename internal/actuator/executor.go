package actuator

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"payops-agent/internal/schema"
)

// Config holds the actuator settings.
type Config struct {
	// RollbackThreshold is the relative worsening of the primary metric that
	// triggers a rollback.
	RollbackThreshold float64 `yaml:"rollback_threshold" validate:"gt=0"`
	// ObservationSamples is how many times the post-action window is sampled;
	// the last sample is compared against the pre-action window.
	ObservationSamples int `yaml:"observation_samples" validate:"gte=1"`
	EffectTTLTicks     int `yaml:"effect_ttl_ticks" validate:"gte=0"`
	// Capacity is the largest fraction the actuator can apply per action.
	// Actions missing from the map can apply any fraction up to 1.
	Capacity             map[schema.Action]float64 `yaml:"capacity"`
	AlternateSuccessRate float64                   `yaml:"alternate_success_rate" validate:"gte=0,lte=1"`
	LatencyRelief        float64                   `yaml:"latency_relief" validate:"gte=0,lte=1"`
	// AdverseEffect makes an action backfire on its own primary metric, in
	// proportion to the fraction applied. Used to rehearse rollbacks.
	AdverseEffect map[schema.Action]float64 `yaml:"adverse_effect"`
}

// DefaultConfig returns the default actuator settings.
func DefaultConfig() Config {
	return Config{
		RollbackThreshold:  0.10,
		ObservationSamples: 3,
		EffectTTLTicks:     30,
		Capacity: map[schema.Action]float64{
			schema.ActionThrottle:  0.5,
			schema.ActionReroute:   0.5,
			schema.ActionRetryTune: 0.8,
		},
		AlternateSuccessRate: 0.98,
		LatencyRelief:        0.6,
	}
}

// Validate checks the actuator settings.
func (c Config) Validate() error {
	if c.RollbackThreshold <= 0 {
		return fmt.Errorf("actuator: rollback_threshold must be positive, got %v", c.RollbackThreshold)
	}
	if c.ObservationSamples < 1 {
		return fmt.Errorf("actuator: observation_samples must be at least 1")
	}
	if c.EffectTTLTicks < 0 {
		return fmt.Errorf("actuator: effect_ttl_ticks must not be negative")
	}
	for action, capacity := range c.Capacity {
		if !action.IsValid() || action == schema.ActionNone {
			return fmt.Errorf("actuator: invalid capacity action %q", action)
		}
		if capacity < 0 || capacity > 1 {
			return fmt.Errorf("actuator: capacity for %s must be in [0,1], got %v", action, capacity)
		}
	}
	for action, factor := range c.AdverseEffect {
		if !action.IsValid() || action == schema.ActionNone {
			return fmt.Errorf("actuator: invalid adverse_effect action %q", action)
		}
		if factor < 0 || factor > 1 {
			return fmt.Errorf("actuator: adverse_effect for %s must be in [0,1], got %v", action, factor)
		}
	}
	if c.AlternateSuccessRate < 0 || c.AlternateSuccessRate > 1 {
		return fmt.Errorf("actuator: alternate_success_rate must be in [0,1]")
	}
	if c.LatencyRelief < 0 || c.LatencyRelief > 1 {
		return fmt.Errorf("actuator: latency_relief must be in [0,1]")
	}
	return nil
}

// Observer samples the metric window after an action was applied.
type Observer interface {
	Observe(ctx context.Context) (schema.MetricWindow, error)
}

// WindowSource supplies raw, unprojected windows.
type WindowSource interface {
	Snapshot() schema.MetricWindow
}

// ProjectedObserver observes a source through the environment's active effects.
type ProjectedObserver struct {
	Source WindowSource
	Env    *Environment
}

// Observe implements Observer.
func (o ProjectedObserver) Observe(ctx context.Context) (schema.MetricWindow, error) {
	if err := ctx.Err(); err != nil {
		return schema.MetricWindow{}, err
	}
	return o.Env.Project(o.Source.Snapshot()), nil
}

// Executor applies decisions to the environment.
type Executor struct {
	cfg      Config
	env      *Environment
	observer Observer
}

// NewExecutor creates an executor over env.
func NewExecutor(cfg Config, env *Environment, observer Observer) *Executor {
	return &Executor{cfg: cfg, env: env, observer: observer}
}

// Environment returns the environment the executor drives.
func (x *Executor) Environment() *Environment {
	return x.env
}

// Apply executes d against the environment and returns its outcome. pre is
// the window the decision was made on. The environment is never left in a
// partial state: on failure or rollback the previous effect is in place.
func (x *Executor) Apply(ctx context.Context, d schema.Decision, pre schema.MetricWindow) schema.ActionOutcome {
	out := schema.ActionOutcome{
		DecisionID:         d.ID,
		Action:             d.Action,
		Kind:               d.Signal.Kind,
		RequestedMagnitude: d.Magnitude,
		PreMetrics:         pre,
		PostMetrics:        pre,
	}

	if !d.Executed() {
		return out
	}

	if capacity := x.capacity(d.Action); d.Magnitude > capacity || d.Magnitude < 0 {
		out.RolledBack = true
		out.FailureReason = fmt.Sprintf("requested magnitude %.3f exceeds %s capacity %.3f", d.Magnitude, d.Action, capacity)
		slog.Warn("action execution failed",
			"decision_id", d.ID,
			"action", d.Action,
			"magnitude", d.Magnitude,
			"capacity", capacity,
		)
		return out
	}

	prev, hadPrev := x.env.Effect(d.Action)
	x.env.set(Effect{Action: d.Action, Fraction: d.Magnitude, AppliedTick: d.Tick})
	out.AppliedMagnitude = d.Magnitude

	post, err := x.observe(ctx)
	if err != nil {
		x.env.restore(d.Action, prev, hadPrev)
		out.RolledBack = true
		out.FailureReason = fmt.Sprintf("observation failed: %v", err)
		slog.Warn("action observation failed, reverted",
			"decision_id", d.ID,
			"action", d.Action,
			"error", err,
		)
		return out
	}
	out.PostMetrics = post

	worsening := Worsening(d.Signal.Kind, pre, post)
	if worsening > x.cfg.RollbackThreshold {
		x.env.restore(d.Action, prev, hadPrev)
		out.RolledBack = true
		slog.Info("action rolled back",
			"decision_id", d.ID,
			"action", d.Action,
			"kind", d.Signal.Kind,
			"worsening", worsening,
			"threshold", x.cfg.RollbackThreshold,
		)
		return out
	}

	slog.Debug("action applied",
		"decision_id", d.ID,
		"action", d.Action,
		"magnitude", d.Magnitude,
	)
	return out
}

func (x *Executor) observe(ctx context.Context) (schema.MetricWindow, error) {
	var (
		w   schema.MetricWindow
		err error
	)
	for i := 0; i < x.cfg.ObservationSamples; i++ {
		if w, err = x.observer.Observe(ctx); err != nil {
			return schema.MetricWindow{}, err
		}
	}
	return w, nil
}

func (x *Executor) capacity(action schema.Action) float64 {
	if c, ok := x.cfg.Capacity[action]; ok {
		return c
	}
	return 1
}

// Worsening returns how much the metric kind monitors degraded from pre to
// post, relative to the pre value. Improvements are negative.
func Worsening(kind schema.SignalKind, pre, post schema.MetricWindow) float64 {
	before := kind.Measure(pre)
	after := kind.Measure(post)

	delta := after - before
	if !kind.HigherIsWorse() {
		delta = -delta
	}
	return delta / math.Max(math.Abs(before), 1e-6)
}
