package core

import (
	"errors"
	"fmt"
)

// Domain errors - centralized error definitions
var (
	// Not found errors
	ErrNotFound           = errors.New("resource not found")
	ErrExperimentNotFound = fmt.Errorf("%w: experiment", ErrNotFound)
	ErrVariantNotFound    = fmt.Errorf("%w: variant", ErrNotFound)
	ErrAssignmentNotFound = fmt.Errorf("%w: assignment", ErrNotFound)

	// Request errors, rejected before any state mutation
	ErrValidation = errors.New("validation failed")

	// Lifecycle errors
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrExperimentNotRunning   = errors.New("experiment not running")

	// Traffic allocation excluded the subject
	ErrNotInExperiment = errors.New("subject not in experiment traffic")

	// Statistical computation without enough samples. Analysis never returns
	// it; the affected result fields are left nil instead.
	ErrInsufficientData = errors.New("insufficient data for analysis")
)

// Error constructors with context
func NewNotFoundError(resource error, id string) error {
	return fmt.Errorf("%w with id %s", resource, id)
}

func NewValidationError(field string, reason string) error {
	return fmt.Errorf("%w for %s: %s", ErrValidation, field, reason)
}

func NewTransitionError(from, to string) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, from, to)
}

func NewNotRunningError(experimentID ID, status string) error {
	return fmt.Errorf("%w: experiment %s is %s", ErrExperimentNotRunning, experimentID, status)
}

// Error checking helpers
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsValidationError(err error) bool {
	return errors.Is(err, ErrValidation)
}

func IsStateError(err error) bool {
	return errors.Is(err, ErrInvalidStateTransition) ||
		errors.Is(err, ErrExperimentNotRunning)
}
