package model

import "errors"

// Synchronous errors surfaced to Edit API callers.
var (
	// ErrValidation marks a malformed or out-of-range edit. Never enqueued.
	ErrValidation = errors.New("validation failed")
	// ErrAuth marks an unauthorized actor.
	ErrAuth = errors.New("not authorized")
	// ErrNegativeQuantity marks a ledger append that would take an item's
	// available quantity below zero.
	ErrNegativeQuantity = errors.New("quantity would go negative")
	// ErrNotFound marks a missing item or reference entity.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks a lost compare-and-set race; callers skip the row.
	ErrConflict = errors.New("concurrent update conflict")
)

// Outcome classifies the result of one outbound marketplace call. Adapters
// never leak raw transport errors past this classification.
type Outcome string

const (
	OutcomeOK Outcome = "ok"
	// OutcomeRateLimited means the upstream throttled us; reschedule without
	// burning an attempt against the breaker's permanent-failure logic.
	OutcomeRateLimited Outcome = "rate_limited"
	// OutcomeTransient covers timeouts, 5xx, and connection resets.
	OutcomeTransient Outcome = "transient"
	// OutcomePermanent covers upstream validation rejections that no retry
	// can fix without a local change.
	OutcomePermanent Outcome = "permanent_validation"
	// OutcomeMissingMapping is a permanent failure caused specifically by an
	// absent reference-catalog translation (e.g. a provider color ID).
	OutcomeMissingMapping Outcome = "missing_external_mapping"
	// OutcomeNotFound means the external lot no longer exists upstream.
	OutcomeNotFound Outcome = "not_found"
)

// Permanent reports whether the outcome is terminal for an outbox message.
func (o Outcome) Permanent() bool {
	return o == OutcomePermanent || o == OutcomeMissingMapping
}

// Retryable reports whether the outcome allows another drain attempt.
func (o Outcome) Retryable() bool {
	return o == OutcomeTransient || o == OutcomeRateLimited
}

// AdapterError pairs a classification with the upstream detail message.
type AdapterError struct {
	Outcome Outcome
	Detail  string
}

// Error renders the classification and detail.
func (e *AdapterError) Error() string {
	if e.Detail == "" {
		return string(e.Outcome)
	}
	return string(e.Outcome) + ": " + e.Detail
}

// Classify extracts the outcome from err, defaulting to transient so unknown
// faults stay retryable.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeOK
	}
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae.Outcome
	}
	return OutcomeTransient
}
