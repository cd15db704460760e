package detector

import (
	"math"
	"testing"

	"payops-agent/internal/schema"
)

func thresholds(sr, p95, retry, sensitivity float64) schema.ThresholdState {
	return schema.ThresholdState{
		Baselines: map[schema.SignalKind]float64{
			schema.KindSuccessRateDrop:    sr,
			schema.KindLatencySpike:       p95,
			schema.KindRetryAmplification: retry,
		},
		Sensitivity: sensitivity,
	}
}

func healthyWindow() schema.MetricWindow {
	return schema.MetricWindow{
		SuccessRate:  0.99,
		P50LatencyMS: 300,
		P95LatencyMS: 600,
		RetryRate:    0.1,
		SampleSize:   50,
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"default", func(c *Config) {}, false},
		{"zero min sample", func(c *Config) { c.MinSampleSize = 0 }, true},
		{"missing margin", func(c *Config) { delete(c.TriggerMargins, schema.KindLatencySpike) }, true},
		{"negative margin", func(c *Config) { c.TriggerMargins[schema.KindSuccessRateDrop] = -0.1 }, true},
		{"unknown kind", func(c *Config) { c.TriggerMargins["cpu_spike"] = 0.2 }, true},
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

func TestDetector_HealthyWindowHolds(t *testing.T) {
	d := New(DefaultConfig())

	if sig, ok := d.Evaluate(healthyWindow(), thresholds(0.99, 600, 0.1, 1)); ok {
		t.Errorf("Evaluate() = %+v, want hold", sig)
	}
}

func TestDetector_SuccessRateDrop(t *testing.T) {
	d := New(DefaultConfig())

	w := healthyWindow()
	w.SuccessRate = 0.80

	sig, ok := d.Evaluate(w, thresholds(0.99, 600, 0.1, 1))
	if !ok {
		t.Fatal("Evaluate() returned hold, want success_rate_drop")
	}
	if sig.Kind != schema.KindSuccessRateDrop {
		t.Errorf("Kind = %s, want %s", sig.Kind, schema.KindSuccessRateDrop)
	}
	wantDev := (0.99 - 0.80) / 0.99
	if math.Abs(sig.Deviation-wantDev) > 1e-9 {
		t.Errorf("Deviation = %v, want %v", sig.Deviation, wantDev)
	}
	if math.Abs(sig.Severity-wantDev/0.05) > 1e-9 {
		t.Errorf("Severity = %v, want %v", sig.Severity, wantDev/0.05)
	}
	if sig.MeasuredValue != 0.80 || sig.BaselineValue != 0.99 || sig.SampleSize != 50 {
		t.Errorf("signal values = %+v", sig)
	}
}

func TestDetector_InsufficientSamples(t *testing.T) {
	d := New(DefaultConfig())

	for _, n := range []int{0, 1, 29} {
		w := schema.MetricWindow{
			SuccessRate:  0.0,
			P95LatencyMS: 100000,
			RetryRate:    50,
			SampleSize:   n,
		}
		if sig, ok := d.Evaluate(w, thresholds(0.99, 600, 0.1, 1)); ok {
			t.Errorf("Evaluate(sample_size=%d) = %+v, want hold", n, sig)
		}
	}
}

func TestDetector_PicksHighestNormalizedDeviation(t *testing.T) {
	d := New(DefaultConfig())

	w := healthyWindow()
	w.SuccessRate = 0.93  // deviation ~0.0606, normalized ~1.21
	w.P95LatencyMS = 1500 // deviation 1.5, normalized 3.0
	w.RetryRate = 0.25    // deviation 1.5, normalized 1.5

	sig, ok := d.Evaluate(w, thresholds(0.99, 600, 0.1, 1))
	if !ok {
		t.Fatal("Evaluate() returned hold")
	}
	if sig.Kind != schema.KindLatencySpike {
		t.Errorf("Kind = %s, want %s", sig.Kind, schema.KindLatencySpike)
	}
}

func TestDetector_TieBreaksByPriority(t *testing.T) {
	cfg := Config{
		MinSampleSize: 30,
		TriggerMargins: map[schema.SignalKind]float64{
			schema.KindSuccessRateDrop:    0.5,
			schema.KindLatencySpike:       0.5,
			schema.KindRetryAmplification: 0.5,
		},
	}
	d := New(cfg)

	w := schema.MetricWindow{SampleSize: 50, SuccessRate: 0.0, P95LatencyMS: 200, RetryRate: 2}
	// every kind deviates by exactly 1.0
	sig, ok := d.Evaluate(w, thresholds(1.0, 100, 1.0, 1))
	if !ok {
		t.Fatal("Evaluate() returned hold")
	}
	if sig.Kind != schema.KindSuccessRateDrop {
		t.Errorf("Kind = %s, want %s", sig.Kind, schema.KindSuccessRateDrop)
	}

	w.SuccessRate = 1.0
	sig, _ = d.Evaluate(w, thresholds(1.0, 100, 1.0, 1))
	if sig.Kind != schema.KindLatencySpike {
		t.Errorf("Kind = %s, want %s", sig.Kind, schema.KindLatencySpike)
	}
}

func TestDetector_SensitivityScalesMargin(t *testing.T) {
	d := New(DefaultConfig())

	w := healthyWindow()
	w.SuccessRate = 0.95 // deviation ~0.0404

	if _, ok := d.Evaluate(w, thresholds(0.99, 600, 0.1, 1)); ok {
		t.Error("Evaluate() fired at sensitivity 1, want hold")
	}
	if _, ok := d.Evaluate(w, thresholds(0.99, 600, 0.1, 0.5)); !ok {
		t.Error("Evaluate() held at sensitivity 0.5, want success_rate_drop")
	}
}

func TestDetector_ZeroRetryBaseline(t *testing.T) {
	d := New(DefaultConfig())

	w := healthyWindow()
	w.RetryRate = 0

	if sig, ok := d.Evaluate(w, thresholds(0.99, 600, 0, 1)); ok {
		t.Errorf("Evaluate() = %+v, want hold with zero retries and zero baseline", sig)
	}

	w.RetryRate = 0.5
	sig, ok := d.Evaluate(w, thresholds(0.99, 600, 0, 1))
	if !ok || sig.Kind != schema.KindRetryAmplification {
		t.Errorf("Evaluate() = %+v, %v; want retry_amplification", sig, ok)
	}
	if math.IsInf(sig.Severity, 0) || math.IsNaN(sig.Severity) {
		t.Errorf("Severity = %v, want finite", sig.Severity)
	}
}
