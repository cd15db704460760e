// Package decisionlog keeps the per-tick decision records of the control loop
// and fans them out to external sinks.
package decisionlog

import (
	"sync"
	"time"

	"payops-agent/internal/schema"
)

// Record is one control tick as seen by an external reader.
type Record struct {
	Tick    uint64           `json:"tick"`
	Time    time.Time        `json:"time"`
	Enabled bool             `json:"enabled"`
	State   schema.LoopState `json:"state"`
	// Window is the effect-projected window the detector evaluated.
	Window     schema.MetricWindow   `json:"window"`
	Signal     *schema.Signal        `json:"signal,omitempty"`
	Decision   *schema.Decision      `json:"decision,omitempty"`
	Outcome    *schema.ActionOutcome `json:"outcome,omitempty"`
	Thresholds schema.ThresholdState `json:"thresholds"`
	Ingested   int                   `json:"ingested"`
	Expired    []schema.Action       `json:"expired,omitempty"`
}

// Clone returns a copy sharing no memory with r.
func (r Record) Clone() Record {
	out := r
	if r.Signal != nil {
		s := *r.Signal
		out.Signal = &s
	}
	if r.Decision != nil {
		d := *r.Decision
		out.Decision = &d
	}
	if r.Outcome != nil {
		o := *r.Outcome
		out.Outcome = &o
	}
	out.Thresholds = r.Thresholds.Clone()
	if r.Expired != nil {
		out.Expired = append([]schema.Action(nil), r.Expired...)
	}
	return out
}

// DefaultCapacity is the number of records kept in memory.
const DefaultCapacity = 1000

// Log is a bounded, concurrency-safe record history. The oldest record is
// dropped when full.
type Log struct {
	mu      sync.RWMutex
	records []Record
	head    int
	size    int
	total   uint64
}

// NewLog creates a log holding at most capacity records.
func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{records: make([]Record, capacity)}
}

// Append stores a copy of r.
func (l *Log) Append(r Record) {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := (l.head + l.size) % len(l.records)
	l.records[idx] = r.Clone()
	if l.size < len(l.records) {
		l.size++
	} else {
		l.head = (l.head + 1) % len(l.records)
	}
	l.total++
}

// Records returns up to limit records with Tick >= since, oldest first.
// A non-positive limit returns every match.
func (l *Log) Records(since uint64, limit int) []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Record, 0)
	for i := 0; i < l.size; i++ {
		r := l.records[(l.head+i)%len(l.records)]
		if r.Tick < since {
			continue
		}
		out = append(out, r.Clone())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Latest returns the newest record.
func (l *Log) Latest() (Record, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.size == 0 {
		return Record{}, false
	}
	return l.records[(l.head+l.size-1)%len(l.records)].Clone(), true
}

// Len returns the number of records held.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.size
}

// Total returns the number of records ever appended.
func (l *Log) Total() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.total
}
