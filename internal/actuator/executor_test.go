package actuator

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/google/uuid"

	"payops-agent/internal/schema"
)

// scriptedObserver returns its windows in order, repeating the last one.
type scriptedObserver struct {
	windows []schema.MetricWindow
	err     error
	calls   int
}

func (o *scriptedObserver) Observe(ctx context.Context) (schema.MetricWindow, error) {
	if o.err != nil {
		return schema.MetricWindow{}, o.err
	}
	i := o.calls
	if i >= len(o.windows) {
		i = len(o.windows) - 1
	}
	o.calls++
	return o.windows[i], nil
}

type staticSource schema.MetricWindow

func (s staticSource) Snapshot() schema.MetricWindow { return schema.MetricWindow(s) }

func decision(action schema.Action, kind schema.SignalKind, magnitude float64, tick uint64) schema.Decision {
	return schema.Decision{
		ID:        uuid.New(),
		Tick:      tick,
		Signal:    schema.Signal{Kind: kind, Severity: 2},
		Action:    action,
		Proposed:  action,
		Magnitude: magnitude,
	}
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"default", func(c *Config) {}, false},
		{"zero rollback threshold", func(c *Config) { c.RollbackThreshold = 0 }, true},
		{"zero observation samples", func(c *Config) { c.ObservationSamples = 0 }, true},
		{"capacity above one", func(c *Config) { c.Capacity[schema.ActionThrottle] = 1.2 }, true},
		{"capacity for none", func(c *Config) { c.Capacity[schema.ActionNone] = 0.5 }, true},
		{"alternate rate out of range", func(c *Config) { c.AlternateSuccessRate = 1.1 }, true},
		{"adverse effect", func(c *Config) { c.AdverseEffect = map[schema.Action]float64{schema.ActionReroute: 0.5} }, false},
		{"adverse effect above one", func(c *Config) { c.AdverseEffect = map[schema.Action]float64{schema.ActionReroute: 1.5} }, true},
		{"adverse effect for none", func(c *Config) { c.AdverseEffect = map[schema.Action]float64{schema.ActionNone: 0.5} }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEnvironment_Project(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AlternateSuccessRate = 1.0
	cfg.LatencyRelief = 0.5
	env := NewEnvironment(cfg)

	w := schema.MetricWindow{SuccessRate: 0.8, P50LatencyMS: 200, P95LatencyMS: 1000, RetryRate: 2, SampleSize: 50}

	if got := env.Project(w); got != w {
		t.Errorf("Project() with no effects = %+v, want %+v", got, w)
	}

	env.set(Effect{Action: schema.ActionReroute, Fraction: 0.5})
	env.set(Effect{Action: schema.ActionThrottle, Fraction: 0.4})
	env.set(Effect{Action: schema.ActionRetryTune, Fraction: 0.25})

	got := env.Project(w)
	if !approx(got.SuccessRate, 0.9) {
		t.Errorf("SuccessRate = %v, want 0.9", got.SuccessRate)
	}
	if !approx(got.P95LatencyMS, 800) || !approx(got.P50LatencyMS, 160) {
		t.Errorf("latency = p50 %v p95 %v, want 160/800", got.P50LatencyMS, got.P95LatencyMS)
	}
	if !approx(got.RetryRate, 1.5) {
		t.Errorf("RetryRate = %v, want 1.5", got.RetryRate)
	}
	if got.SampleSize != 50 {
		t.Errorf("SampleSize = %d, want 50", got.SampleSize)
	}
}

func TestEnvironment_ProjectAdverse(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AlternateSuccessRate = 1.0
	cfg.LatencyRelief = 0.5
	cfg.AdverseEffect = map[schema.Action]float64{
		schema.ActionReroute:   1,
		schema.ActionThrottle:  1,
		schema.ActionRetryTune: 1,
	}
	env := NewEnvironment(cfg)
	env.set(Effect{Action: schema.ActionReroute, Fraction: 0.5})
	env.set(Effect{Action: schema.ActionThrottle, Fraction: 0.4})
	env.set(Effect{Action: schema.ActionRetryTune, Fraction: 0.25})

	w := schema.MetricWindow{SuccessRate: 0.8, P50LatencyMS: 200, P95LatencyMS: 1000, RetryRate: 2, SampleSize: 50}
	got := env.Project(w)

	if !approx(got.SuccessRate, 0.45) {
		t.Errorf("SuccessRate = %v, want 0.45", got.SuccessRate)
	}
	if !approx(got.P95LatencyMS, 1120) || !approx(got.P50LatencyMS, 224) {
		t.Errorf("latency = p50 %v p95 %v, want 224/1120", got.P50LatencyMS, got.P95LatencyMS)
	}
	if !approx(got.RetryRate, 1.875) {
		t.Errorf("RetryRate = %v, want 1.875", got.RetryRate)
	}
}

func TestExecutor_AdverseEffectRollsBack(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AdverseEffect = map[schema.Action]float64{schema.ActionReroute: 1}
	env := NewEnvironment(cfg)
	x := NewExecutor(cfg, env, ProjectedObserver{Source: staticSource{SuccessRate: 0.80, SampleSize: 50}, Env: env})

	pre := schema.MetricWindow{SuccessRate: 0.80, SampleSize: 50}
	out := x.Apply(context.Background(), decision(schema.ActionReroute, schema.KindSuccessRateDrop, 0.3, 1), pre)

	if !out.RolledBack {
		t.Fatalf("RolledBack = false, want true (post success rate %v)", out.PostMetrics.SuccessRate)
	}
	if _, ok := env.Effect(schema.ActionReroute); ok {
		t.Error("reroute effect still active after rollback")
	}
}

func TestEnvironment_Expire(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EffectTTLTicks = 5
	env := NewEnvironment(cfg)

	env.set(Effect{Action: schema.ActionThrottle, Fraction: 0.2, AppliedTick: 10})
	env.set(Effect{Action: schema.ActionReroute, Fraction: 0.2, AppliedTick: 12})

	if expired := env.Expire(14); len(expired) != 0 {
		t.Errorf("Expire(14) = %v, want none", expired)
	}
	expired := env.Expire(15)
	if len(expired) != 1 || expired[0] != schema.ActionThrottle {
		t.Errorf("Expire(15) = %v, want [throttle]", expired)
	}
	if _, ok := env.Effect(schema.ActionReroute); !ok {
		t.Error("reroute expired early")
	}

	t.Run("zero ttl keeps effects", func(t *testing.T) {
		cfg.EffectTTLTicks = 0
		env := NewEnvironment(cfg)
		env.set(Effect{Action: schema.ActionThrottle, Fraction: 0.2})
		if expired := env.Expire(1000); len(expired) != 0 {
			t.Errorf("Expire() = %v, want none", expired)
		}
	})
}

func TestExecutor_AppliesAndKeepsEffect(t *testing.T) {
	env := NewEnvironment(DefaultConfig())
	pre := schema.MetricWindow{SuccessRate: 0.80, SampleSize: 50}
	obs := &scriptedObserver{windows: []schema.MetricWindow{{SuccessRate: 0.85, SampleSize: 50}}}
	x := NewExecutor(DefaultConfig(), env, obs)

	out := x.Apply(context.Background(), decision(schema.ActionReroute, schema.KindSuccessRateDrop, 0.3, 4), pre)

	if out.RolledBack {
		t.Fatalf("RolledBack = true (%s), want false", out.FailureReason)
	}
	if out.AppliedMagnitude != 0.3 || out.RequestedMagnitude != 0.3 {
		t.Errorf("magnitudes = requested %v applied %v, want 0.3/0.3", out.RequestedMagnitude, out.AppliedMagnitude)
	}
	if out.PostMetrics.SuccessRate != 0.85 {
		t.Errorf("PostMetrics.SuccessRate = %v, want 0.85", out.PostMetrics.SuccessRate)
	}
	eff, ok := env.Effect(schema.ActionReroute)
	if !ok || eff.Fraction != 0.3 || eff.AppliedTick != 4 {
		t.Errorf("Effect() = %+v, %v; want reroute 0.3 at tick 4", eff, ok)
	}
	if obs.calls != DefaultConfig().ObservationSamples {
		t.Errorf("observer called %d times, want %d", obs.calls, DefaultConfig().ObservationSamples)
	}
}

func TestExecutor_RollsBackWorsenedAction(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RollbackThreshold = 0.10

	env := NewEnvironment(cfg)
	before := Effect{Action: schema.ActionReroute, Fraction: 0.1, AppliedTick: 1}
	env.set(before)

	pre := schema.MetricWindow{SuccessRate: 0.80, SampleSize: 50}
	obs := &scriptedObserver{windows: []schema.MetricWindow{{SuccessRate: 0.60, SampleSize: 50}}}
	x := NewExecutor(cfg, env, obs)

	out := x.Apply(context.Background(), decision(schema.ActionReroute, schema.KindSuccessRateDrop, 0.3, 5), pre)

	if !out.RolledBack {
		t.Fatal("RolledBack = false, want true")
	}
	if out.PostMetrics.SuccessRate != 0.60 {
		t.Errorf("PostMetrics.SuccessRate = %v, want 0.60", out.PostMetrics.SuccessRate)
	}
	eff, ok := env.Effect(schema.ActionReroute)
	if !ok || eff != before {
		t.Errorf("Effect() after rollback = %+v, want %+v restored exactly", eff, before)
	}

	t.Run("no previous effect", func(t *testing.T) {
		env := NewEnvironment(cfg)
		x := NewExecutor(cfg, env, obs)
		x.Apply(context.Background(), decision(schema.ActionReroute, schema.KindSuccessRateDrop, 0.3, 5), pre)
		if effects := env.Effects(); len(effects) != 0 {
			t.Errorf("Effects() = %v, want none", effects)
		}
	})
}

func TestExecutor_LastObservationWins(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ObservationSamples = 3

	env := NewEnvironment(cfg)
	pre := schema.MetricWindow{P95LatencyMS: 1000, SampleSize: 50}
	obs := &scriptedObserver{windows: []schema.MetricWindow{
		{P95LatencyMS: 2000, SampleSize: 50},
		{P95LatencyMS: 1500, SampleSize: 50},
		{P95LatencyMS: 900, SampleSize: 50},
	}}

	out := NewExecutor(cfg, env, obs).Apply(context.Background(), decision(schema.ActionThrottle, schema.KindLatencySpike, 0.2, 1), pre)
	if out.RolledBack {
		t.Errorf("RolledBack = true, want false when the last sample improved")
	}
	if out.PostMetrics.P95LatencyMS != 900 {
		t.Errorf("PostMetrics.P95LatencyMS = %v, want 900", out.PostMetrics.P95LatencyMS)
	}
}

func TestExecutor_CapacityFailure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Capacity[schema.ActionThrottle] = 0.2

	env := NewEnvironment(cfg)
	before := Effect{Action: schema.ActionThrottle, Fraction: 0.1, AppliedTick: 2}
	env.set(before)

	obs := &scriptedObserver{windows: []schema.MetricWindow{{}}}
	out := NewExecutor(cfg, env, obs).Apply(context.Background(), decision(schema.ActionThrottle, schema.KindLatencySpike, 0.3, 3), schema.MetricWindow{})

	if !out.RolledBack || out.AppliedMagnitude != 0 {
		t.Errorf("outcome = rolled_back %v applied %v, want true/0", out.RolledBack, out.AppliedMagnitude)
	}
	if out.FailureReason == "" {
		t.Error("FailureReason is empty")
	}
	if eff, _ := env.Effect(schema.ActionThrottle); eff != before {
		t.Errorf("Effect() = %+v, want unchanged %+v", eff, before)
	}
	if obs.calls != 0 {
		t.Errorf("observer called %d times, want 0", obs.calls)
	}
}

func TestExecutor_ObservationError(t *testing.T) {
	env := NewEnvironment(DefaultConfig())
	obs := &scriptedObserver{err: errors.New("feed unavailable")}

	out := NewExecutor(DefaultConfig(), env, obs).Apply(context.Background(), decision(schema.ActionRetryTune, schema.KindRetryAmplification, 0.2, 1), schema.MetricWindow{RetryRate: 1})
	if !out.RolledBack {
		t.Error("RolledBack = false, want true")
	}
	if _, ok := env.Effect(schema.ActionRetryTune); ok {
		t.Error("effect left in place after failed observation")
	}
}

func TestExecutor_NoneDecision(t *testing.T) {
	env := NewEnvironment(DefaultConfig())
	obs := &scriptedObserver{windows: []schema.MetricWindow{{}}}

	d := decision(schema.ActionNone, schema.KindLatencySpike, 0.2, 1)
	out := NewExecutor(DefaultConfig(), env, obs).Apply(context.Background(), d, schema.MetricWindow{})
	if out.RolledBack || out.AppliedMagnitude != 0 || obs.calls != 0 {
		t.Errorf("Apply(none) = %+v, calls %d; want no-op", out, obs.calls)
	}
}

func TestProjectedObserver(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AlternateSuccessRate = 1
	env := NewEnvironment(cfg)
	env.set(Effect{Action: schema.ActionReroute, Fraction: 0.5})

	o := ProjectedObserver{Source: staticSource{SuccessRate: 0.6}, Env: env}
	w, err := o.Observe(context.Background())
	if err != nil {
		t.Fatalf("Observe() error = %v", err)
	}
	if !approx(w.SuccessRate, 0.8) {
		t.Errorf("SuccessRate = %v, want 0.8", w.SuccessRate)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := o.Observe(ctx); err == nil {
		t.Error("Observe() with cancelled context error = nil")
	}
}

func TestWorsening(t *testing.T) {
	tests := []struct {
		name      string
		kind      schema.SignalKind
		pre, post schema.MetricWindow
		want      float64
	}{
		{"success drop", schema.KindSuccessRateDrop, schema.MetricWindow{SuccessRate: 0.8}, schema.MetricWindow{SuccessRate: 0.6}, 0.25},
		{"success recovery", schema.KindSuccessRateDrop, schema.MetricWindow{SuccessRate: 0.8}, schema.MetricWindow{SuccessRate: 0.9}, -0.125},
		{"latency growth", schema.KindLatencySpike, schema.MetricWindow{P95LatencyMS: 1000}, schema.MetricWindow{P95LatencyMS: 1200}, 0.2},
		{"retry drop", schema.KindRetryAmplification, schema.MetricWindow{RetryRate: 2}, schema.MetricWindow{RetryRate: 1}, -0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Worsening(tt.kind, tt.pre, tt.post); !approx(got, tt.want) {
				t.Errorf("Worsening() = %v, want %v", got, tt.want)
			}
		})
	}
}
