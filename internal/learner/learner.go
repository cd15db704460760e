// Package learner adapts detection baselines and sensitivity from the
// outcome of each tick.
package learner

import (
	"fmt"
	"math"
	"time"

	"payops-agent/internal/schema"
)

// Bounds is an inclusive range.
type Bounds struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

func (b Bounds) clamp(v float64) float64 {
	return math.Max(b.Min, math.Min(b.Max, v))
}

// Config holds the learner settings.
type Config struct {
	// Alpha is the EWMA weight of the current observation.
	Alpha              float64                       `yaml:"alpha" validate:"gte=0,lte=1"`
	SensitivityStep    float64                       `yaml:"sensitivity_step" validate:"gte=0"`
	MinSensitivity     float64                       `yaml:"min_sensitivity" validate:"gt=0"`
	MaxSensitivity     float64                       `yaml:"max_sensitivity" validate:"gtefield=MinSensitivity"`
	InitialSensitivity float64                       `yaml:"initial_sensitivity"`
	InitialBaselines   map[schema.SignalKind]float64 `yaml:"initial_baselines"`
	BaselineBounds     map[schema.SignalKind]Bounds  `yaml:"baseline_bounds"`
}

// DefaultConfig returns the default learner settings.
func DefaultConfig() Config {
	return Config{
		Alpha:              0.1,
		SensitivityStep:    0.05,
		MinSensitivity:     0.5,
		MaxSensitivity:     2.0,
		InitialSensitivity: 1.0,
		InitialBaselines: map[schema.SignalKind]float64{
			schema.KindSuccessRateDrop:    0.97,
			schema.KindLatencySpike:       800,
			schema.KindRetryAmplification: 0.2,
		},
		BaselineBounds: map[schema.SignalKind]Bounds{
			schema.KindSuccessRateDrop:    {Min: 0.80, Max: 1.0},
			schema.KindLatencySpike:       {Min: 50, Max: 5000},
			schema.KindRetryAmplification: {Min: 0, Max: 3},
		},
	}
}

// Validate checks the learner settings.
func (c Config) Validate() error {
	if math.IsNaN(c.Alpha) || c.Alpha < 0 || c.Alpha > 1 {
		return fmt.Errorf("learner: alpha must be in [0,1], got %v", c.Alpha)
	}
	if c.SensitivityStep < 0 {
		return fmt.Errorf("learner: sensitivity_step must not be negative")
	}
	if c.MinSensitivity <= 0 {
		return fmt.Errorf("learner: min_sensitivity must be positive")
	}
	if c.MinSensitivity > c.MaxSensitivity {
		return fmt.Errorf("learner: min_sensitivity %v exceeds max_sensitivity %v", c.MinSensitivity, c.MaxSensitivity)
	}
	if c.InitialSensitivity < c.MinSensitivity || c.InitialSensitivity > c.MaxSensitivity {
		return fmt.Errorf("learner: initial_sensitivity %v outside [%v, %v]", c.InitialSensitivity, c.MinSensitivity, c.MaxSensitivity)
	}
	for _, kind := range schema.SignalKinds {
		b, ok := c.BaselineBounds[kind]
		if !ok {
			return fmt.Errorf("learner: missing baseline bounds for %s", kind)
		}
		if b.Min > b.Max {
			return fmt.Errorf("learner: baseline bounds for %s are inverted", kind)
		}
		v, ok := c.InitialBaselines[kind]
		if !ok {
			return fmt.Errorf("learner: missing initial baseline for %s", kind)
		}
		if v < b.Min || v > b.Max {
			return fmt.Errorf("learner: initial baseline %v for %s outside [%v, %v]", v, kind, b.Min, b.Max)
		}
	}
	return nil
}

// Feedback is what the learner sees of one tick.
type Feedback struct {
	Window schema.MetricWindow
	// Sufficient reports whether the window met the minimum sample size.
	Sufficient bool
	Signal     *schema.Signal
	Decision   *schema.Decision
	Outcome    *schema.ActionOutcome
	Time       time.Time
}

// Healthy reports a tick with enough evidence and no anomaly.
func (f Feedback) Healthy() bool {
	return f.Sufficient && f.Signal == nil
}

// Learner updates ThresholdState. It holds only configuration.
type Learner struct {
	cfg Config
}

// New creates a Learner.
func New(cfg Config) *Learner {
	return &Learner{cfg: cfg}
}

// Initial returns the starting threshold state.
func (l *Learner) Initial(now time.Time) schema.ThresholdState {
	st := schema.ThresholdState{
		Baselines:      make(map[schema.SignalKind]float64, len(schema.SignalKinds)),
		Sensitivity:    l.cfg.InitialSensitivity,
		LastUpdateTime: now,
	}
	for _, kind := range schema.SignalKinds {
		st.Baselines[kind] = l.cfg.InitialBaselines[kind]
	}
	return l.clamp(st)
}

// Update returns the state after learning from f. The input state is not modified.
func (l *Learner) Update(f Feedback, th schema.ThresholdState) schema.ThresholdState {
	next := th.Clone()
	next.LastUpdateTime = f.Time

	switch {
	case f.Healthy():
		for _, kind := range schema.SignalKinds {
			old := next.Baselines[kind]
			next.Baselines[kind] = l.cfg.Alpha*kind.Measure(f.Window) + (1-l.cfg.Alpha)*old
		}
		next.Updates++

	case f.Outcome != nil && f.Decision != nil && f.Decision.Executed():
		if f.Outcome.RolledBack {
			next.Sensitivity += l.cfg.SensitivityStep
		} else if f.Outcome.Helped(th.Baseline(f.Outcome.Kind)) {
			next.Sensitivity -= l.cfg.SensitivityStep
		}
		next.Updates++
	}

	return l.clamp(next)
}

func (l *Learner) clamp(st schema.ThresholdState) schema.ThresholdState {
	st.Sensitivity = math.Max(l.cfg.MinSensitivity, math.Min(l.cfg.MaxSensitivity, st.Sensitivity))
	for kind, v := range st.Baselines {
		if b, ok := l.cfg.BaselineBounds[kind]; ok {
			st.Baselines[kind] = b.clamp(v)
		}
	}
	return st
}
