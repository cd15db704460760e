package controlloop

import (
	"time"

	"payops-agent/internal/actuator"
	"payops-agent/internal/queue"
	"payops-agent/internal/schema"
)

// Status is a point-in-time copy of the loop state, taken at the end of a tick.
type Status struct {
	Tick       uint64                            `json:"tick"`
	LastTick   time.Time                         `json:"last_tick,omitempty"`
	Enabled    bool                              `json:"enabled"`
	Window     schema.MetricWindow               `json:"window"`
	Thresholds schema.ThresholdState             `json:"thresholds"`
	Effects    map[schema.Action]actuator.Effect `json:"effects"`
	// RecentDecisions is how many decisions the guardrails still consider.
	RecentDecisions int                `json:"recent_decisions"`
	Feed            queue.QueueMetrics `json:"feed"`
	Commands        queue.QueueMetrics `json:"commands"`
}

func (s Status) clone() Status {
	out := s
	out.Thresholds = s.Thresholds.Clone()
	out.Effects = make(map[schema.Action]actuator.Effect, len(s.Effects))
	for k, v := range s.Effects {
		out.Effects[k] = v
	}
	return out
}

// Status returns the state as of the last completed tick, with current queue depths.
func (c *Controller) Status() Status {
	c.mu.RLock()
	st := c.status.clone()
	c.mu.RUnlock()

	st.Feed = c.feed.Metrics()
	st.Commands = c.commands.Metrics()
	return st
}

func (c *Controller) publishStatus(now time.Time, w schema.MetricWindow) {
	st := Status{
		Tick:            c.tick,
		LastTick:        now,
		Enabled:         c.enabled,
		Window:          w,
		Thresholds:      c.thresholds.Clone(),
		Effects:         c.env.Effects(),
		RecentDecisions: len(c.recent),
	}

	c.mu.Lock()
	c.status = st
	c.mu.Unlock()
}
