package schema

import (
	"time"

	"github.com/google/uuid"
)

// MetricWindow is the rolling health aggregate over the retained transactions.
// It is passed by value; holders never share the aggregator's storage.
type MetricWindow struct {
	SuccessRate  float64   `json:"success_rate"`
	P50LatencyMS float64   `json:"p50_latency_ms"`
	P95LatencyMS float64   `json:"p95_latency_ms"`
	RetryRate    float64   `json:"retry_rate"`
	SampleSize   int       `json:"sample_size"`
	FailureCount int       `json:"failure_count"`
	TotalVolume  uint64    `json:"total_volume"`
	DroppedCount uint64    `json:"dropped_count"`
	WindowStart  time.Time `json:"window_start,omitempty"`
	WindowEnd    time.Time `json:"window_end,omitempty"`
}

// SignalKind identifies a degradation pattern.
type SignalKind string

const (
	KindSuccessRateDrop    SignalKind = "success_rate_drop"
	KindLatencySpike       SignalKind = "latency_spike"
	KindRetryAmplification SignalKind = "retry_amplification"
)

// SignalKinds lists every kind in priority order, highest first.
var SignalKinds = []SignalKind{
	KindSuccessRateDrop,
	KindLatencySpike,
	KindRetryAmplification,
}

// IsValid checks if the kind is a valid value.
func (k SignalKind) IsValid() bool {
	switch k {
	case KindSuccessRateDrop, KindLatencySpike, KindRetryAmplification:
		return true
	}
	return false
}

// Priority returns the tie-break rank of the kind; lower wins.
func (k SignalKind) Priority() int {
	for i, kind := range SignalKinds {
		if kind == k {
			return i
		}
	}
	return len(SignalKinds)
}

// Measure returns the metric of w that the kind monitors.
func (k SignalKind) Measure(w MetricWindow) float64 {
	switch k {
	case KindSuccessRateDrop:
		return w.SuccessRate
	case KindLatencySpike:
		return w.P95LatencyMS
	case KindRetryAmplification:
		return w.RetryRate
	}
	return 0
}

// HigherIsWorse reports the direction in which the monitored metric degrades.
func (k SignalKind) HigherIsWorse() bool {
	return k != KindSuccessRateDrop
}

// Signal is a detected degradation condition for one evaluation tick.
type Signal struct {
	Kind          SignalKind `json:"kind"`
	Severity      float64    `json:"severity"`
	Deviation     float64    `json:"deviation"`
	MeasuredValue float64    `json:"measured_value"`
	BaselineValue float64    `json:"baseline_value"`
	SampleSize    int        `json:"sample_size"`
}

// Action is a corrective action the loop can take.
type Action string

const (
	ActionNone      Action = "none"
	ActionThrottle  Action = "throttle"
	ActionRetryTune Action = "retry_tune"
	ActionReroute   Action = "reroute"
)

// Actions lists every actionable (non-none) action.
var Actions = []Action{ActionThrottle, ActionRetryTune, ActionReroute}

// IsValid checks if the action is a valid value.
func (a Action) IsValid() bool {
	switch a {
	case ActionNone, ActionThrottle, ActionRetryTune, ActionReroute:
		return true
	}
	return false
}

// ActionFor maps a signal kind to its default corrective action.
func ActionFor(kind SignalKind) Action {
	switch kind {
	case KindSuccessRateDrop:
		return ActionReroute
	case KindLatencySpike:
		return ActionThrottle
	case KindRetryAmplification:
		return ActionRetryTune
	}
	return ActionNone
}

// Decision is the decision engine's output for one tick.
type Decision struct {
	ID        uuid.UUID `json:"id"`
	Tick      uint64    `json:"tick"`
	Signal    Signal    `json:"signal"`
	Action    Action    `json:"action"`
	Magnitude float64   `json:"magnitude"`
	Timestamp time.Time `json:"timestamp"`
	// Proposed is the action the signal mapped to before guardrails ran.
	Proposed Action `json:"proposed"`
	// BlockedBy names the guardrail that rejected the proposal; empty when allowed.
	BlockedBy string `json:"blocked_by,omitempty"`
}

// Executed reports whether the decision dispatches an action.
func (d Decision) Executed() bool {
	return d.Action != ActionNone
}

// ActionOutcome records the observed effect of an executed decision.
type ActionOutcome struct {
	DecisionID         uuid.UUID    `json:"decision_id"`
	Action             Action       `json:"action"`
	Kind               SignalKind   `json:"kind"`
	RequestedMagnitude float64      `json:"requested_magnitude"`
	AppliedMagnitude   float64      `json:"applied_magnitude"`
	PreMetrics         MetricWindow `json:"pre_metrics"`
	PostMetrics        MetricWindow `json:"post_metrics"`
	RolledBack         bool         `json:"rolled_back"`
	FailureReason      string       `json:"failure_reason,omitempty"`
}

// Helped reports whether the action stayed in effect and moved the monitored
// value toward the baseline.
func (o ActionOutcome) Helped(baseline float64) bool {
	if o.RolledBack {
		return false
	}
	pre := o.Kind.Measure(o.PreMetrics)
	post := o.Kind.Measure(o.PostMetrics)
	return abs(post-baseline) < abs(pre-baseline)
}

// ThresholdState holds the adaptive detection baselines.
type ThresholdState struct {
	Baselines      map[SignalKind]float64 `json:"baselines"`
	Sensitivity    float64                `json:"sensitivity"`
	LastUpdateTime time.Time              `json:"last_update_time"`
	Updates        uint64                 `json:"updates"`
}

// Clone returns a deep copy of the state.
func (s ThresholdState) Clone() ThresholdState {
	out := s
	out.Baselines = make(map[SignalKind]float64, len(s.Baselines))
	for k, v := range s.Baselines {
		out.Baselines[k] = v
	}
	return out
}

// Baseline returns the baseline for kind, or 0 when none is set.
func (s ThresholdState) Baseline(kind SignalKind) float64 {
	return s.Baselines[kind]
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// LoopState is the furthest phase a control tick reached.
type LoopState string

const (
	StateHold     LoopState = "hold"
	StateProposed LoopState = "proposed"
	StateApplied  LoopState = "applied"
	StateObserved LoopState = "observed"
)
