package ingestion

import (
	"errors"
	"fmt"
)

const maxFieldLength = 255

// Sentinel errors for event validation. Wrapped with field context via
// fmt.Errorf("%w: ...", ...) so callers can still errors.Is against the
// sentinel while getting a human-readable detail string.
var (
	ErrEmptyBatch       = errors.New("event batch cannot be empty")
	ErrTopicEmpty       = errors.New("topic cannot be empty")
	ErrTopicTooLong     = errors.New("topic exceeds maximum length")
	ErrEventIDEmpty     = errors.New("event_id cannot be empty")
	ErrEventIDTooLong   = errors.New("event_id exceeds maximum length")
	ErrSourceEmpty      = errors.New("source cannot be empty")
	ErrSourceTooLong    = errors.New("source exceeds maximum length")
	ErrTimestampZero = errors.New("timestamp is required")
)

// ValidationError wraps a sentinel error with the batch index it applies to,
// so a caller can report which event in a batch failed without re-deriving it.
type ValidationError struct {
	Index int
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("event[%d]: %s", e.Index, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Validator validates published event batches. It holds no mutable state,
// so a single instance is safe to share across every request goroutine.
type Validator struct{}

// NewValidator creates a Validator. There is nothing to configure: the field
// rules below are the whole of the contract in spec §3.
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateBatch validates every event in a batch and returns the first
// validation failure, wrapped as a *ValidationError naming its index.
// An empty batch is itself a validation failure.
func (v *Validator) ValidateBatch(events []Event) error {
	if len(events) == 0 {
		return ErrEmptyBatch
	}

	for i, event := range events {
		if err := v.ValidateEvent(event); err != nil {
			return &ValidationError{Index: i, Err: err}
		}
	}

	return nil
}

// ValidateEvent validates a single event's required fields.
func (v *Validator) ValidateEvent(event Event) error {
	if event.Topic == "" {
		return ErrTopicEmpty
	}

	if len(event.Topic) > maxFieldLength {
		return ErrTopicTooLong
	}

	if event.EventID == "" {
		return ErrEventIDEmpty
	}

	if len(event.EventID) > maxFieldLength {
		return ErrEventIDTooLong
	}

	if event.Source == "" {
		return ErrSourceEmpty
	}

	if len(event.Source) > maxFieldLength {
		return ErrSourceTooLong
	}

	if event.Timestamp.IsZero() {
		return ErrTimestampZero
	}

	return nil
}
