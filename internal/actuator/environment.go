// Package actuator applies corrective actions to the simulated payment
// environment and rolls them back when they make things worse.
package actuator

import (
	"sync"

	"payops-agent/internal/schema"
)

// Effect is one action's standing influence on the metrics stream.
type Effect struct {
	Action schema.Action `json:"action"`
	// Fraction of traffic the action affects, in [0,1].
	Fraction    float64 `json:"fraction"`
	AppliedTick uint64  `json:"applied_tick"`
}

// Environment is the simulated environment. It holds at most one effect per
// action kind; a newer application supersedes the older one.
type Environment struct {
	cfg Config

	mu      sync.RWMutex
	effects map[schema.Action]Effect
}

// NewEnvironment creates an environment with no active effects.
func NewEnvironment(cfg Config) *Environment {
	return &Environment{
		cfg:     cfg,
		effects: make(map[schema.Action]Effect),
	}
}

// Project returns w as it looks with the active effects applied.
func (e *Environment) Project(w schema.MetricWindow) schema.MetricWindow {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := w
	if eff, ok := e.effects[schema.ActionReroute]; ok {
		f := eff.Fraction
		out.SuccessRate = out.SuccessRate*(1-f) + e.cfg.AlternateSuccessRate*f
	}
	if eff, ok := e.effects[schema.ActionThrottle]; ok {
		relief := 1 - eff.Fraction*e.cfg.LatencyRelief
		out.P50LatencyMS *= relief
		out.P95LatencyMS *= relief
	}
	if eff, ok := e.effects[schema.ActionRetryTune]; ok {
		out.RetryRate *= 1 - eff.Fraction
	}

	for action, eff := range e.effects {
		a := e.cfg.AdverseEffect[action] * eff.Fraction
		if a <= 0 {
			continue
		}
		switch action {
		case schema.ActionReroute:
			out.SuccessRate *= 1 - a
		case schema.ActionThrottle:
			out.P50LatencyMS *= 1 + a
			out.P95LatencyMS *= 1 + a
		case schema.ActionRetryTune:
			out.RetryRate *= 1 + a
		}
	}
	return out
}

// Effect returns the active effect for action.
func (e *Environment) Effect(action schema.Action) (Effect, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	eff, ok := e.effects[action]
	return eff, ok
}

// Effects returns a copy of every active effect.
func (e *Environment) Effects() map[schema.Action]Effect {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make(map[schema.Action]Effect, len(e.effects))
	for k, v := range e.effects {
		out[k] = v
	}
	return out
}

func (e *Environment) set(eff Effect) {
	e.mu.Lock()
	e.effects[eff.Action] = eff
	e.mu.Unlock()
}

// restore puts back the effect that was active for action before an
// application; ok=false means there was none.
func (e *Environment) restore(action schema.Action, prev Effect, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ok {
		e.effects[action] = prev
		return
	}
	delete(e.effects, action)
}

// Expire removes effects applied at least EffectTTLTicks ago and returns the
// expired actions. A non-positive TTL keeps effects until superseded.
func (e *Environment) Expire(tick uint64) []schema.Action {
	if e.cfg.EffectTTLTicks <= 0 {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var expired []schema.Action
	for _, action := range schema.Actions {
		eff, ok := e.effects[action]
		if !ok || eff.AppliedTick > tick {
			continue
		}
		if tick-eff.AppliedTick >= uint64(e.cfg.EffectTTLTicks) {
			delete(e.effects, action)
			expired = append(expired, action)
		}
	}
	return expired
}
