package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested entity does not exist
type ErrNotFound struct {
	Entity string // e.g. "workflow", "contact", "campaign"
	ID     string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s with id %s not found", e.Entity, e.ID)
}

// IsNotFound returns true if err is an ErrNotFound
func IsNotFound(err error) bool {
	var notFound *ErrNotFound
	return errors.As(err, &notFound)
}

// ErrInvalidState is returned when an operation is not allowed in the
// entity's current status, e.g. cancelling a completed campaign.
type ErrInvalidState struct {
	Entity  string
	ID      string
	Status  string
	Message string
}

func (e *ErrInvalidState) Error() string {
	return fmt.Sprintf("%s %s is %s: %s", e.Entity, e.ID, e.Status, e.Message)
}

// IsInvalidState returns true if err is an ErrInvalidState
func IsInvalidState(err error) bool {
	var invalid *ErrInvalidState
	return errors.As(err, &invalid)
}

// ValidationError is returned when input fails validation
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// ErrJobExecution is returned when a queued job fails; the wrapped error
// decides whether the failure is retryable.
type ErrJobExecution struct {
	JobID string
	Kind  string
	Err   error
}

func (e *ErrJobExecution) Error() string {
	return fmt.Sprintf("job %s (%s) failed: %v", e.JobID, e.Kind, e.Err)
}

func (e *ErrJobExecution) Unwrap() error {
	return e.Err
}

// ErrPermanent marks an error as non-retryable. Jobs failing with a
// permanent error go straight to the dead letter queue.
type ErrPermanent struct {
	Err error
}

func (e *ErrPermanent) Error() string {
	return fmt.Sprintf("permanent: %v", e.Err)
}

func (e *ErrPermanent) Unwrap() error {
	return e.Err
}

// NewPermanentError wraps err so the job queue will not retry it
func NewPermanentError(err error) *ErrPermanent {
	return &ErrPermanent{Err: err}
}

// IsPermanent returns true if err carries an ErrPermanent anywhere in its chain
func IsPermanent(err error) bool {
	var perm *ErrPermanent
	return errors.As(err, &perm)
}
