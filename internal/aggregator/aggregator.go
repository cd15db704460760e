// Package aggregator folds the transaction stream into rolling health metrics.
package aggregator

import (
	"errors"
	"math"
	"sort"
	"time"

	"payops-agent/internal/schema"
)

// Config bounds the rolling window. When both bounds are set an entry is
// evicted as soon as it falls outside either of them.
type Config struct {
	MaxSamples int           `yaml:"max_samples" validate:"gte=0"`
	MaxAge     time.Duration `yaml:"max_age" validate:"gte=0"`
}

// DefaultConfig returns the default window configuration.
func DefaultConfig() Config {
	return Config{
		MaxSamples: 200,
		MaxAge:     5 * time.Minute,
	}
}

// Validate checks the window bounds.
func (c Config) Validate() error {
	if c.MaxSamples < 0 || c.MaxAge < 0 {
		return errors.New("aggregator: window bounds must not be negative")
	}
	if c.MaxSamples == 0 && c.MaxAge == 0 {
		return errors.New("aggregator: one of max_samples or max_age is required")
	}
	return nil
}

type entry struct {
	ts      time.Time
	success bool
	latency float64
	retries int
}

// Aggregator maintains the rolling window. It is owned by the control loop and
// is not safe for concurrent use; readers receive MetricWindow copies.
type Aggregator struct {
	cfg     Config
	entries []entry
	ref     time.Time // tick clock, moved only by Advance
	total   uint64
	dropped uint64
}

// New creates an Aggregator.
func New(cfg Config) *Aggregator {
	capHint := cfg.MaxSamples
	if capHint <= 0 {
		capHint = 256
	}
	return &Aggregator{
		cfg:     cfg,
		entries: make([]entry, 0, capHint),
	}
}

// Ingest appends tx to the window. Malformed transactions are counted as
// dropped and never reach the metrics; Ingest reports whether tx was kept.
// Transaction timestamps never move the clock, so a skewed producer cannot
// expire the rest of the window.
func (a *Aggregator) Ingest(tx *schema.Transaction) bool {
	if !tx.WellFormed() {
		a.dropped++
		return false
	}

	a.total++
	a.entries = append(a.entries, entry{
		ts:      tx.Timestamp,
		success: tx.Outcome == schema.OutcomeSuccess,
		latency: tx.LatencyMS,
		retries: tx.RetryCount,
	})

	a.evict()
	return true
}

// Advance moves the window's reference time forward and evicts expired entries.
// Times earlier than the current reference are ignored.
func (a *Aggregator) Advance(now time.Time) {
	if now.After(a.ref) {
		a.ref = now
	}
	a.evict()
}

func (a *Aggregator) evict() {
	if a.cfg.MaxAge > 0 && !a.ref.IsZero() {
		cutoff := a.ref.Add(-a.cfg.MaxAge)
		kept := a.entries[:0]
		for _, e := range a.entries {
			if !e.ts.Before(cutoff) {
				kept = append(kept, e)
			}
		}
		a.entries = kept
	}

	if a.cfg.MaxSamples > 0 && len(a.entries) > a.cfg.MaxSamples {
		excess := len(a.entries) - a.cfg.MaxSamples
		a.entries = append(a.entries[:0], a.entries[excess:]...)
	}
}

// Snapshot computes the current MetricWindow.
func (a *Aggregator) Snapshot() schema.MetricWindow {
	w := schema.MetricWindow{
		SampleSize:   len(a.entries),
		TotalVolume:  a.total,
		DroppedCount: a.dropped,
	}
	if len(a.entries) == 0 {
		return w
	}

	latencies := make([]float64, len(a.entries))
	var successes, retries int
	w.WindowStart = a.entries[0].ts
	w.WindowEnd = a.entries[0].ts
	for i, e := range a.entries {
		latencies[i] = e.latency
		retries += e.retries
		if e.success {
			successes++
		}
		if e.ts.Before(w.WindowStart) {
			w.WindowStart = e.ts
		}
		if e.ts.After(w.WindowEnd) {
			w.WindowEnd = e.ts
		}
	}
	sort.Float64s(latencies)

	n := float64(len(a.entries))
	w.SuccessRate = float64(successes) / n
	w.FailureCount = len(a.entries) - successes
	w.RetryRate = float64(retries) / n
	w.P50LatencyMS = percentile(latencies, 0.50)
	w.P95LatencyMS = percentile(latencies, 0.95)

	return w
}

// CountDropped records n transactions rejected before they reached Ingest.
func (a *Aggregator) CountDropped(n int) {
	if n > 0 {
		a.dropped += uint64(n)
	}
}

// Dropped returns the number of rejected transactions.
func (a *Aggregator) Dropped() uint64 {
	return a.dropped
}

// Len returns the number of retained transactions.
func (a *Aggregator) Len() int {
	return len(a.entries)
}

// percentile interpolates linearly between the closest ranks of sorted.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	idx := p * float64(len(sorted)-1)
	lower := int(math.Floor(idx))
	upper := int(math.Ceil(idx))
	if lower == upper {
		return sorted[lower]
	}
	weight := idx - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}
