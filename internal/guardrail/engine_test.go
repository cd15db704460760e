package guardrail

import (
	"math"
	"testing"
	"time"

	"github.com/google/uuid"

	"payops-agent/internal/schema"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func signal(kind schema.SignalKind, severity float64) schema.Signal {
	return schema.Signal{Kind: kind, Severity: severity, SampleSize: 50}
}

func executed(tick uint64, action schema.Action) schema.Decision {
	return schema.Decision{ID: uuid.New(), Tick: tick, Action: action, Proposed: action, Magnitude: 0.1}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"default", func(c *Config) {}, false},
		{"zero interval", func(c *Config) { c.IntervalTicks = 0 }, true},
		{"negative max actions", func(c *Config) { c.MaxActionsPerInterval = -1 }, true},
		{"blast radius above one", func(c *Config) { c.MaxBlastRadiusFraction = 1.5 }, true},
		{"zero base magnitude", func(c *Config) { c.BaseMagnitude = 0 }, true},
		{"max magnitude above one", func(c *Config) { c.MaxMagnitude = 2 }, true},
		{"approval none", func(c *Config) { c.ApprovalRequired = []schema.Action{schema.ActionNone} }, true},
		{"approval reroute", func(c *Config) { c.ApprovalRequired = []schema.Action{schema.ActionReroute} }, false},
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

func TestDecide_ActionMapping(t *testing.T) {
	tests := []struct {
		kind schema.SignalKind
		want schema.Action
	}{
		{schema.KindSuccessRateDrop, schema.ActionReroute},
		{schema.KindLatencySpike, schema.ActionThrottle},
		{schema.KindRetryAmplification, schema.ActionRetryTune},
	}

	e := NewEngine(DefaultConfig())
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			d := e.Decide(signal(tt.kind, 1.5), nil, 10, now)
			if d.Action != tt.want {
				t.Errorf("Decide().Action = %s, want %s", d.Action, tt.want)
			}
			if d.Proposed != tt.want || d.BlockedBy != "" {
				t.Errorf("Decide() = %+v, want unblocked %s", d, tt.want)
			}
			if d.ID == uuid.Nil || d.Tick != 10 || !d.Timestamp.Equal(now) {
				t.Errorf("Decide() metadata = %+v", d)
			}
		})
	}
}

func TestDecide_SuccessRateDropReroutes(t *testing.T) {
	// success rate 0.80 against baseline 0.99 with a 0.05 margin
	dev := (0.99 - 0.80) / 0.99
	sig := schema.Signal{
		Kind:          schema.KindSuccessRateDrop,
		Severity:      dev / 0.05,
		Deviation:     dev,
		MeasuredValue: 0.80,
		BaselineValue: 0.99,
		SampleSize:    50,
	}

	d := NewEngine(DefaultConfig()).Decide(sig, nil, 1, now)
	if d.Action != schema.ActionReroute {
		t.Fatalf("Decide().Action = %s (blocked by %q), want reroute", d.Action, d.BlockedBy)
	}
	if math.Abs(d.Magnitude-0.1*sig.Severity) > 1e-9 {
		t.Errorf("Magnitude = %v, want %v", d.Magnitude, 0.1*sig.Severity)
	}
	if d.Signal != sig {
		t.Errorf("Signal = %+v, want %+v", d.Signal, sig)
	}
}

func TestDecide_RateLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CooldownTicks = 0

	recent := []schema.Decision{
		executed(1, schema.ActionThrottle),
		executed(2, schema.ActionReroute),
		executed(3, schema.ActionRetryTune),
		executed(4, schema.ActionThrottle),
		executed(5, schema.ActionReroute),
	}

	d := NewEngine(cfg).Decide(signal(schema.KindLatencySpike, 2), recent, 6, now)
	if d.Action != schema.ActionNone {
		t.Errorf("Decide().Action = %s, want none", d.Action)
	}
	if d.BlockedBy != GuardrailRateLimit {
		t.Errorf("BlockedBy = %q, want %q", d.BlockedBy, GuardrailRateLimit)
	}
	if d.Proposed != schema.ActionThrottle {
		t.Errorf("Proposed = %s, want throttle", d.Proposed)
	}

	t.Run("blocked decisions do not count", func(t *testing.T) {
		blocked := append([]schema.Decision(nil), recent[:4]...)
		blocked = append(blocked, schema.Decision{Tick: 5, Action: schema.ActionNone, Proposed: schema.ActionReroute, BlockedBy: GuardrailCooldown})
		d := NewEngine(cfg).Decide(signal(schema.KindLatencySpike, 2), blocked, 6, now)
		if d.Action != schema.ActionThrottle {
			t.Errorf("Decide().Action = %s (blocked by %q), want throttle", d.Action, d.BlockedBy)
		}
	})

	t.Run("interval slides", func(t *testing.T) {
		d := NewEngine(cfg).Decide(signal(schema.KindLatencySpike, 2), recent, 61, now)
		if d.Action != schema.ActionThrottle {
			t.Errorf("Decide().Action = %s (blocked by %q), want throttle once tick 1 left the interval", d.Action, d.BlockedBy)
		}
	})
}

func TestDecide_BlastRadius(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxBlastRadiusFraction = 0.2

	d := NewEngine(cfg).Decide(signal(schema.KindSuccessRateDrop, 3), nil, 1, now)
	if d.BlockedBy != GuardrailBlastRadius || d.Action != schema.ActionNone {
		t.Errorf("Decide() = %s blocked by %q, want none blocked by %q", d.Action, d.BlockedBy, GuardrailBlastRadius)
	}
	if math.Abs(d.Magnitude-0.3) > 1e-9 {
		t.Errorf("Magnitude = %v, want proposed 0.3", d.Magnitude)
	}

	d = NewEngine(cfg).Decide(signal(schema.KindSuccessRateDrop, 2), nil, 1, now)
	if d.Action != schema.ActionReroute {
		t.Errorf("Decide().Action = %s at magnitude 0.2, want reroute", d.Action)
	}
}

func TestDecide_SevereSignalWithinDefaults(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.MaxMagnitude > cfg.MaxBlastRadiusFraction {
		t.Fatalf("default MaxMagnitude %v exceeds MaxBlastRadiusFraction %v", cfg.MaxMagnitude, cfg.MaxBlastRadiusFraction)
	}

	d := NewEngine(cfg).Decide(signal(schema.KindSuccessRateDrop, 20), nil, 1, now)
	if d.Action != schema.ActionReroute {
		t.Errorf("Decide().Action = %s (blocked by %q), want reroute", d.Action, d.BlockedBy)
	}
	if math.Abs(d.Magnitude-cfg.MaxMagnitude) > 1e-9 {
		t.Errorf("Magnitude = %v, want %v", d.Magnitude, cfg.MaxMagnitude)
	}
}

func TestDecide_Cooldown(t *testing.T) {
	e := NewEngine(DefaultConfig())
	recent := []schema.Decision{executed(10, schema.ActionThrottle)}

	tests := []struct {
		name string
		kind schema.SignalKind
		tick uint64
		want schema.Action
	}{
		{"same action too soon", schema.KindLatencySpike, 12, schema.ActionNone},
		{"same action after cooldown", schema.KindLatencySpike, 13, schema.ActionThrottle},
		{"other action unaffected", schema.KindRetryAmplification, 11, schema.ActionRetryTune},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := e.Decide(signal(tt.kind, 1.2), recent, tt.tick, now)
			if d.Action != tt.want {
				t.Errorf("Decide().Action = %s (blocked by %q), want %s", d.Action, d.BlockedBy, tt.want)
			}
			if tt.want == schema.ActionNone && d.BlockedBy != GuardrailCooldown {
				t.Errorf("BlockedBy = %q, want %q", d.BlockedBy, GuardrailCooldown)
			}
		})
	}
}

func TestDecide_ApprovalRequired(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ApprovalRequired = []schema.Action{schema.ActionReroute}
	e := NewEngine(cfg)

	d := e.Decide(signal(schema.KindSuccessRateDrop, 1.5), nil, 1, now)
	if d.Action != schema.ActionNone || d.BlockedBy != GuardrailApproval {
		t.Errorf("Decide() = %s blocked by %q, want none blocked by %q", d.Action, d.BlockedBy, GuardrailApproval)
	}

	d = e.Decide(signal(schema.KindLatencySpike, 1.5), nil, 1, now)
	if d.Action != schema.ActionThrottle {
		t.Errorf("Decide().Action = %s, want throttle", d.Action)
	}
}

func TestMagnitude(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		name     string
		severity float64
		want     float64
	}{
		{"scaled", 2, 0.2},
		{"clamped", 40, 0.4},
		{"negative", -1, 0},
		{"nan", math.NaN(), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Magnitude(tt.severity, cfg); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Magnitude(%v) = %v, want %v", tt.severity, got, tt.want)
			}
		})
	}
}

// Executed decisions never exceed the limit in any window, whatever the signal stream.
func TestDecide_RateLimitHoldsOverManyTicks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxActionsPerInterval = 3
	cfg.IntervalTicks = 10
	cfg.CooldownTicks = 0
	e := NewEngine(cfg)

	var history []schema.Decision
	for tick := uint64(1); tick <= 200; tick++ {
		kind := schema.SignalKinds[tick%uint64(len(schema.SignalKinds))]
		history = append(history, e.Decide(signal(kind, 1.5), history, tick, now))

		if n := ExecutedInInterval(history, tick, cfg.IntervalTicks); n > cfg.MaxActionsPerInterval {
			t.Fatalf("tick %d: %d executed decisions in interval, limit %d", tick, n, cfg.MaxActionsPerInterval)
		}
	}
}
