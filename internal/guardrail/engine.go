// Package guardrail maps detected signals to bounded corrective decisions.
//
// Guardrails run before anything is dispatched: a proposal that fails any
// check comes back as a Decision with Action none and BlockedBy set.
package guardrail

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"payops-agent/internal/schema"
)

// Guardrail names reported in Decision.BlockedBy.
const (
	GuardrailApproval    = "approval_required"
	GuardrailRateLimit   = "rate_limit"
	GuardrailBlastRadius = "blast_radius"
	GuardrailCooldown    = "cooldown"
)

// Config holds the guardrail limits.
type Config struct {
	// MaxActionsPerInterval caps executed decisions in the trailing IntervalTicks.
	MaxActionsPerInterval int `yaml:"max_actions_per_interval" validate:"gte=0"`
	IntervalTicks         int `yaml:"interval_ticks" validate:"gte=1"`
	// MaxBlastRadiusFraction is the largest traffic fraction one action may affect.
	MaxBlastRadiusFraction float64 `yaml:"max_blast_radius_fraction" validate:"gte=0,lte=1"`
	CooldownTicks          int     `yaml:"cooldown_ticks" validate:"gte=0"`
	// BaseMagnitude is the magnitude proposed for a signal of severity 1.
	BaseMagnitude float64 `yaml:"base_magnitude" validate:"gt=0,lte=1"`
	MaxMagnitude  float64 `yaml:"max_magnitude" validate:"gt=0,lte=1"`
	// ApprovalRequired lists actions that are never taken autonomously.
	ApprovalRequired []schema.Action `yaml:"approval_required_actions"`
}

// DefaultConfig returns the default guardrail limits.
func DefaultConfig() Config {
	return Config{
		MaxActionsPerInterval:  5,
		IntervalTicks:          60,
		MaxBlastRadiusFraction: 0.4,
		CooldownTicks:          3,
		BaseMagnitude:          0.1,
		MaxMagnitude:           0.4,
	}
}

// Validate checks the limits.
func (c Config) Validate() error {
	if c.MaxActionsPerInterval < 0 {
		return fmt.Errorf("guardrail: max_actions_per_interval must not be negative")
	}
	if c.IntervalTicks < 1 {
		return fmt.Errorf("guardrail: interval_ticks must be at least 1")
	}
	if c.MaxBlastRadiusFraction < 0 || c.MaxBlastRadiusFraction > 1 {
		return fmt.Errorf("guardrail: max_blast_radius_fraction must be in [0,1], got %v", c.MaxBlastRadiusFraction)
	}
	if c.CooldownTicks < 0 {
		return fmt.Errorf("guardrail: cooldown_ticks must not be negative")
	}
	if c.BaseMagnitude <= 0 || c.BaseMagnitude > 1 {
		return fmt.Errorf("guardrail: base_magnitude must be in (0,1], got %v", c.BaseMagnitude)
	}
	if c.MaxMagnitude <= 0 || c.MaxMagnitude > 1 {
		return fmt.Errorf("guardrail: max_magnitude must be in (0,1], got %v", c.MaxMagnitude)
	}
	for _, a := range c.ApprovalRequired {
		if !a.IsValid() || a == schema.ActionNone {
			return fmt.Errorf("guardrail: invalid approval_required action %q", a)
		}
	}
	return nil
}

// Engine proposes decisions and enforces the guardrails.
type Engine struct {
	cfg   Config
	newID func() uuid.UUID
}

// NewEngine creates a decision engine.
func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg, newID: uuid.New}
}

// Config returns the limits the engine enforces.
func (e *Engine) Config() Config {
	return e.cfg
}

// Decide turns a signal into a decision. recent holds the decisions of earlier
// ticks, oldest first; only executed ones count toward rate limit and cooldown.
func (e *Engine) Decide(sig schema.Signal, recent []schema.Decision, tick uint64, now time.Time) schema.Decision {
	return Decide(sig, e.cfg, recent, tick, now, e.newID())
}

// Decide is the pure decision function behind Engine.Decide.
func Decide(sig schema.Signal, g Config, recent []schema.Decision, tick uint64, now time.Time, id uuid.UUID) schema.Decision {
	proposed := schema.ActionFor(sig.Kind)
	d := schema.Decision{
		ID:        id,
		Tick:      tick,
		Signal:    sig,
		Action:    proposed,
		Proposed:  proposed,
		Magnitude: Magnitude(sig.Severity, g),
		Timestamp: now,
	}

	if proposed == schema.ActionNone {
		return d
	}

	if blocked := check(d, g, recent); blocked != "" {
		d.Action = schema.ActionNone
		d.BlockedBy = blocked
	}
	return d
}

// Magnitude scales base magnitude by severity and clamps it to [0, MaxMagnitude].
func Magnitude(severity float64, g Config) float64 {
	if math.IsNaN(severity) || severity <= 0 {
		return 0
	}
	return math.Min(g.BaseMagnitude*severity, g.MaxMagnitude)
}

// check returns the first failing guardrail, or "" when all pass.
func check(d schema.Decision, g Config, recent []schema.Decision) string {
	for _, a := range g.ApprovalRequired {
		if a == d.Proposed {
			return GuardrailApproval
		}
	}

	if ExecutedInInterval(recent, d.Tick, g.IntervalTicks) >= g.MaxActionsPerInterval {
		return GuardrailRateLimit
	}

	if d.Magnitude > g.MaxBlastRadiusFraction {
		return GuardrailBlastRadius
	}

	if last, ok := lastExecuted(recent, d.Proposed); ok && d.Tick-last < uint64(g.CooldownTicks) {
		return GuardrailCooldown
	}

	return ""
}

// ExecutedInInterval counts executed decisions in the trailing interval
// (tick-interval, tick].
func ExecutedInInterval(recent []schema.Decision, tick uint64, interval int) int {
	n := 0
	for _, d := range recent {
		if !d.Executed() || d.Tick > tick {
			continue
		}
		if tick-d.Tick < uint64(interval) {
			n++
		}
	}
	return n
}

func lastExecuted(recent []schema.Decision, action schema.Action) (uint64, bool) {
	var (
		last  uint64
		found bool
	)
	for _, d := range recent {
		if d.Action != action {
			continue
		}
		if !found || d.Tick > last {
			last = d.Tick
			found = true
		}
	}
	return last, found
}
