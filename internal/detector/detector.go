// Package detector turns a MetricWindow into at most one degradation Signal per tick.
package detector

import (
	"fmt"

	"payops-agent/internal/schema"
)

// minBaseline floors baselines used as a denominator.
const minBaseline = 1e-6

// Config holds detection gates.
type Config struct {
	MinSampleSize int `yaml:"min_sample_size" validate:"gte=1"`
	// TriggerMargins is the relative deviation each kind must exceed at sensitivity 1.
	TriggerMargins map[schema.SignalKind]float64 `yaml:"trigger_margins"`
}

// DefaultConfig returns the default detection gates.
func DefaultConfig() Config {
	return Config{
		MinSampleSize: 30,
		TriggerMargins: map[schema.SignalKind]float64{
			schema.KindSuccessRateDrop:    0.05,
			schema.KindLatencySpike:       0.50,
			schema.KindRetryAmplification: 1.00,
		},
	}
}

// Validate checks that every kind has a positive margin.
func (c Config) Validate() error {
	if c.MinSampleSize < 1 {
		return fmt.Errorf("detector: min_sample_size must be at least 1, got %d", c.MinSampleSize)
	}
	for kind := range c.TriggerMargins {
		if !kind.IsValid() {
			return fmt.Errorf("detector: unknown signal kind %q in trigger_margins", kind)
		}
	}
	for _, kind := range schema.SignalKinds {
		m, ok := c.TriggerMargins[kind]
		if !ok {
			return fmt.Errorf("detector: missing trigger margin for %s", kind)
		}
		if m <= 0 {
			return fmt.Errorf("detector: trigger margin for %s must be positive, got %v", kind, m)
		}
	}
	return nil
}

// evaluator computes the relative deviation of one kind's metric from its baseline.
// Positive values mean the metric moved in the degrading direction.
type evaluator func(w schema.MetricWindow, baseline float64) float64

var evaluators = map[schema.SignalKind]evaluator{
	schema.KindSuccessRateDrop: func(w schema.MetricWindow, baseline float64) float64 {
		return (baseline - w.SuccessRate) / floor(baseline)
	},
	schema.KindLatencySpike: func(w schema.MetricWindow, baseline float64) float64 {
		return (w.P95LatencyMS - baseline) / floor(baseline)
	},
	schema.KindRetryAmplification: func(w schema.MetricWindow, baseline float64) float64 {
		return (w.RetryRate - baseline) / floor(baseline)
	},
}

func floor(v float64) float64 {
	if v < minBaseline {
		return minBaseline
	}
	return v
}

// Detector evaluates windows against adaptive thresholds. It holds no state
// between calls.
type Detector struct {
	cfg Config
}

// New creates a Detector.
func New(cfg Config) *Detector {
	return &Detector{cfg: cfg}
}

// Sufficient reports whether w holds enough samples to be evaluated.
func (d *Detector) Sufficient(w schema.MetricWindow) bool {
	return w.SampleSize >= d.cfg.MinSampleSize
}

// EffectiveMargin returns the trigger margin for kind after applying sensitivity.
func (d *Detector) EffectiveMargin(kind schema.SignalKind, sensitivity float64) float64 {
	return d.cfg.TriggerMargins[kind] * sensitivity
}

// Evaluate returns the strongest qualifying signal, or false when the window
// holds too few samples or no kind exceeds its margin.
func (d *Detector) Evaluate(w schema.MetricWindow, th schema.ThresholdState) (schema.Signal, bool) {
	if !d.Sufficient(w) {
		return schema.Signal{}, false
	}

	var (
		best  schema.Signal
		found bool
	)

	// SignalKinds is in priority order, so a strict comparison keeps the
	// higher-priority kind on ties.
	for _, kind := range schema.SignalKinds {
		margin := d.EffectiveMargin(kind, th.Sensitivity)
		if margin <= 0 {
			continue
		}

		baseline := th.Baseline(kind)
		deviation := evaluators[kind](w, baseline)
		if deviation <= margin {
			continue
		}

		normalized := deviation / margin
		if found && normalized <= best.Severity {
			continue
		}

		best = schema.Signal{
			Kind:          kind,
			Severity:      normalized,
			Deviation:     deviation,
			MeasuredValue: kind.Measure(w),
			BaselineValue: baseline,
			SampleSize:    w.SampleSize,
		}
		found = true
	}

	return best, found
}
