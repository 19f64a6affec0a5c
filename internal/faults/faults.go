// Package faults defines the error taxonomy shared by every pipeline stage.
package faults

import (
	"errors"
	"fmt"
)

var (
	// ErrInputValidation marks a malformed or incomplete input that was defaulted.
	ErrInputValidation = errors.New("input validation")
	// ErrCollaboratorTimeout marks an external collaborator that did not answer in time.
	ErrCollaboratorTimeout = errors.New("collaborator timeout")
	// ErrMalformedResponse marks a collaborator answer that could not be parsed.
	ErrMalformedResponse = errors.New("malformed collaborator response")
	// ErrConcurrencyConflict is returned when a stage is already running.
	ErrConcurrencyConflict = errors.New("stage already running")
	// ErrInvariantViolation marks an out-of-range value that had to be clamped.
	ErrInvariantViolation = errors.New("invariant violation")
	// ErrStorage marks a persistence failure; the current cycle is aborted.
	ErrStorage = errors.New("storage failure")
)

// Storage wraps err as a storage failure for the given operation.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}

// Conflict reports an overlapping run of stage.
func Conflict(stage string) error {
	return fmt.Errorf("stage %s: %w", stage, ErrConcurrencyConflict)
}

// Kind returns a short label for logging the class of err.
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrConcurrencyConflict):
		return "concurrency_conflict"
	case errors.Is(err, ErrStorage):
		return "storage"
	case errors.Is(err, ErrCollaboratorTimeout):
		return "collaborator_timeout"
	case errors.Is(err, ErrMalformedResponse):
		return "malformed_response"
	case errors.Is(err, ErrInvariantViolation):
		return "invariant_violation"
	case errors.Is(err, ErrInputValidation):
		return "input_validation"
	default:
		return "unknown"
	}
}
