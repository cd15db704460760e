// Package schema defines the canonical data model for the payment-health control loop.
// Transactions arrive from external producers and are normalized to this structure
// before they reach the aggregator.
package schema

import (
	"time"

	"github.com/google/uuid"
)

// Transaction represents one payment attempt outcome.
// Transactions are immutable once created.
type Transaction struct {
	// Required fields
	ID         uuid.UUID `json:"id"`
	Timestamp  time.Time `json:"timestamp" validate:"required"`
	Outcome    Outcome   `json:"outcome" validate:"required,oneof=success failure"`
	LatencyMS  float64   `json:"latency_ms" validate:"gte=0"`
	RetryCount int       `json:"retry_count" validate:"gte=0"`
	RiskScore  float64   `json:"risk_score" validate:"gte=0,lte=1"`
	Confidence float64   `json:"confidence" validate:"gte=0,lte=1"`

	// Optional descriptive fields, carried through but not aggregated
	Amount        float64 `json:"amount,omitempty" validate:"gte=0"`
	Currency      string  `json:"currency,omitempty" validate:"omitempty,len=3,uppercase"`
	Processor     string  `json:"processor,omitempty" validate:"max=64"`
	Issuer        string  `json:"issuer,omitempty" validate:"max=64"`
	PaymentMethod string  `json:"payment_method,omitempty" validate:"max=64"`
	ErrorCode     string  `json:"error_code,omitempty" validate:"max=64"`
}

// Outcome represents the result of a payment attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// IsValid checks if the outcome is a valid value.
func (o Outcome) IsValid() bool {
	switch o {
	case OutcomeSuccess, OutcomeFailure:
		return true
	}
	return false
}

// WellFormed reports whether the transaction can be folded into metrics.
// It is the cheap check applied on the hot path; Validator.Validate is the full one.
func (t *Transaction) WellFormed() bool {
	if t == nil {
		return false
	}
	if !t.Outcome.IsValid() {
		return false
	}
	if t.LatencyMS < 0 || t.RetryCount < 0 {
		return false
	}
	if t.RiskScore < 0 || t.RiskScore > 1 {
		return false
	}
	if t.Confidence < 0 || t.Confidence > 1 {
		return false
	}
	return true
}
