package aggregator

import (
	"math"
	"testing"
	"time"

	"github.com/google/uuid"

	"payops-agent/internal/schema"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func tx(offset time.Duration, outcome schema.Outcome, latency float64, retries int) *schema.Transaction {
	return &schema.Transaction{
		ID:         uuid.New(),
		Timestamp:  base.Add(offset),
		Outcome:    outcome,
		LatencyMS:  latency,
		RetryCount: retries,
		RiskScore:  0.2,
		Confidence: 0.9,
	}
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"default", DefaultConfig(), false},
		{"count only", Config{MaxSamples: 10}, false},
		{"time only", Config{MaxAge: time.Minute}, false},
		{"no bound", Config{}, true},
		{"negative samples", Config{MaxSamples: -1, MaxAge: time.Minute}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestAggregator_Snapshot(t *testing.T) {
	a := New(Config{MaxSamples: 100})

	for i := 0; i < 8; i++ {
		a.Ingest(tx(time.Duration(i)*time.Second, schema.OutcomeSuccess, float64(100*(i+1)), 0))
	}
	a.Ingest(tx(8*time.Second, schema.OutcomeFailure, 900, 2))
	a.Ingest(tx(9*time.Second, schema.OutcomeFailure, 1000, 2))

	w := a.Snapshot()

	if w.SampleSize != 10 {
		t.Errorf("SampleSize = %d, want 10", w.SampleSize)
	}
	if !approx(w.SuccessRate, 0.8) {
		t.Errorf("SuccessRate = %v, want 0.8", w.SuccessRate)
	}
	if w.FailureCount != 2 {
		t.Errorf("FailureCount = %d, want 2", w.FailureCount)
	}
	if !approx(w.RetryRate, 0.4) {
		t.Errorf("RetryRate = %v, want 0.4", w.RetryRate)
	}
	// latencies 100..1000: p50 = 550, p95 = 955
	if !approx(w.P50LatencyMS, 550) {
		t.Errorf("P50LatencyMS = %v, want 550", w.P50LatencyMS)
	}
	if !approx(w.P95LatencyMS, 955) {
		t.Errorf("P95LatencyMS = %v, want 955", w.P95LatencyMS)
	}
	if !w.WindowStart.Equal(base) || !w.WindowEnd.Equal(base.Add(9*time.Second)) {
		t.Errorf("window = [%v, %v], want [%v, %v]", w.WindowStart, w.WindowEnd, base, base.Add(9*time.Second))
	}
}

func TestAggregator_EmptySnapshot(t *testing.T) {
	a := New(DefaultConfig())
	w := a.Snapshot()
	if w.SampleSize != 0 || w.SuccessRate != 0 || w.P95LatencyMS != 0 {
		t.Errorf("empty Snapshot() = %+v, want zero metrics", w)
	}
}

func TestAggregator_CountEviction(t *testing.T) {
	a := New(Config{MaxSamples: 5})

	for i := 0; i < 5; i++ {
		a.Ingest(tx(time.Duration(i)*time.Second, schema.OutcomeFailure, 1000, 0))
	}
	for i := 5; i < 10; i++ {
		a.Ingest(tx(time.Duration(i)*time.Second, schema.OutcomeSuccess, 100, 0))
	}

	w := a.Snapshot()
	if w.SampleSize != 5 {
		t.Errorf("SampleSize = %d, want 5", w.SampleSize)
	}
	if w.SuccessRate != 1 {
		t.Errorf("SuccessRate = %v, want 1 (failures evicted)", w.SuccessRate)
	}
	if w.TotalVolume != 10 {
		t.Errorf("TotalVolume = %d, want 10", w.TotalVolume)
	}
}

func TestAggregator_TimeEviction(t *testing.T) {
	a := New(Config{MaxAge: 30 * time.Second})

	a.Ingest(tx(0, schema.OutcomeFailure, 100, 0))
	a.Ingest(tx(10*time.Second, schema.OutcomeSuccess, 100, 0))
	a.Ingest(tx(20*time.Second, schema.OutcomeSuccess, 100, 0))

	if got := a.Len(); got != 3 {
		t.Fatalf("Len() = %d, want 3", got)
	}

	t.Run("ingest does not move the clock", func(t *testing.T) {
		a.Ingest(tx(35*time.Second, schema.OutcomeSuccess, 100, 0))
		if got := a.Len(); got != 4 {
			t.Errorf("Len() = %d, want 4", got)
		}
	})

	t.Run("advance expires by tick time", func(t *testing.T) {
		a.Advance(base.Add(35 * time.Second))
		if got := a.Len(); got != 3 {
			t.Errorf("Len() = %d, want 3 after oldest entry expired", got)
		}
		if w := a.Snapshot(); w.SuccessRate != 1 {
			t.Errorf("SuccessRate = %v, want 1", w.SuccessRate)
		}
	})

	t.Run("advance evicts without new transactions", func(t *testing.T) {
		a.Advance(base.Add(61 * time.Second))
		if got := a.Len(); got != 1 {
			t.Errorf("Len() = %d, want 1", got)
		}
	})

	t.Run("advance backwards is ignored", func(t *testing.T) {
		a.Advance(base)
		if got := a.Len(); got != 1 {
			t.Errorf("Len() = %d, want 1", got)
		}
	})
}

func TestAggregator_FutureTimestampKeepsWindow(t *testing.T) {
	a := New(Config{MaxSamples: 100, MaxAge: 5 * time.Minute})
	for i := 0; i < 50; i++ {
		a.Ingest(tx(time.Duration(i)*time.Second, schema.OutcomeSuccess, 100, 0))
	}
	a.Advance(base.Add(50 * time.Second))

	a.Ingest(tx(6*time.Minute, schema.OutcomeSuccess, 100, 0))
	if got := a.Snapshot().SampleSize; got != 51 {
		t.Errorf("SampleSize = %d, want 51 after one skewed transaction", got)
	}

	a.Advance(base.Add(51 * time.Second))
	if got := a.Snapshot().SampleSize; got != 51 {
		t.Errorf("SampleSize = %d, want 51 after next tick", got)
	}
}

func TestAggregator_CountDropped(t *testing.T) {
	a := New(DefaultConfig())
	a.CountDropped(2)
	a.CountDropped(0)
	a.CountDropped(-1)
	a.Ingest(tx(0, schema.OutcomeSuccess, -1, 0))

	if got := a.Dropped(); got != 3 {
		t.Errorf("Dropped() = %d, want 3", got)
	}
	if got := a.Snapshot().DroppedCount; got != 3 {
		t.Errorf("DroppedCount = %d, want 3", got)
	}
}

func TestAggregator_DropsMalformed(t *testing.T) {
	a := New(DefaultConfig())

	bad := []*schema.Transaction{
		nil,
		tx(0, schema.OutcomeSuccess, -1, 0),
		tx(0, schema.Outcome("pending"), 100, 0),
		tx(0, schema.OutcomeSuccess, 100, -2),
		{Timestamp: base, Outcome: schema.OutcomeSuccess, RiskScore: 1.5, Confidence: 0.5},
		{Timestamp: base, Outcome: schema.OutcomeFailure, RiskScore: 0.5, Confidence: -0.1},
	}

	for i, b := range bad {
		if a.Ingest(b) {
			t.Errorf("Ingest(bad[%d]) = true, want false", i)
		}
	}

	a.Ingest(tx(0, schema.OutcomeSuccess, 100, 0))

	w := a.Snapshot()
	if w.DroppedCount != uint64(len(bad)) {
		t.Errorf("DroppedCount = %d, want %d", w.DroppedCount, len(bad))
	}
	if w.SampleSize != 1 {
		t.Errorf("SampleSize = %d, want 1", w.SampleSize)
	}
	if w.SuccessRate != 1 {
		t.Errorf("SuccessRate = %v, want 1", w.SuccessRate)
	}
}

func TestAggregator_SnapshotIsCopy(t *testing.T) {
	a := New(Config{MaxSamples: 10})
	a.Ingest(tx(0, schema.OutcomeSuccess, 100, 0))

	before := a.Snapshot()
	a.Ingest(tx(time.Second, schema.OutcomeFailure, 100, 0))

	if before.SampleSize != 1 || before.SuccessRate != 1 {
		t.Errorf("earlier snapshot mutated: %+v", before)
	}
}

func TestPercentile(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		p      float64
		want   float64
	}{
		{"empty", nil, 0.5, 0},
		{"single", []float64{42}, 0.95, 42},
		{"exact rank", []float64{1, 2, 3}, 0.5, 2},
		{"interpolated", []float64{10, 20}, 0.95, 19.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := percentile(tt.values, tt.p); !approx(got, tt.want) {
				t.Errorf("percentile() = %v, want %v", got, tt.want)
			}
		})
	}
}
