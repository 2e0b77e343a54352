package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrJobNotFound is returned when a job does not exist or is not visible to the caller
	ErrJobNotFound = errors.New("job not found")

	// ErrConflict is returned when an operation targets a job in a terminal state
	ErrConflict = errors.New("job is already in a terminal state")

	// ErrNoJobAvailable is returned by claim operations when nothing is claimable
	ErrNoJobAvailable = errors.New("no job available")

	// ErrClaimLost is returned when a worker no longer holds the claim on a job
	// (cancelled, reclaimed or finished by someone else)
	ErrClaimLost = errors.New("job claim lost")

	// ErrConcurrencyLimitExceeded is returned by a targeted claim when the owner
	// already has the maximum number of PROCESSING jobs; the job stays PENDING
	ErrConcurrencyLimitExceeded = errors.New("owner concurrency limit exceeded")

	// ErrStaleClaim marks a PROCESSING job whose worker stopped heartbeating
	ErrStaleClaim = errors.New("stale claim timeout")

	// ErrInsufficientCredit is returned when the owner cannot pay for a generation
	ErrInsufficientCredit = errors.New("insufficient generation credit")

	// ErrProductNotFound and ErrTemplateNotFound come from the catalog collaborator
	ErrProductNotFound  = errors.New("product not found")
	ErrTemplateNotFound = errors.New("template not found")
)

// ConflictError reports an operation rejected because the job is terminal.
type ConflictError struct {
	JobID  string
	Status JobStatus
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("job %s is %s", e.JobID, e.Status)
}

func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

// NewConflictError creates a ConflictError for the given job
func NewConflictError(jobID string, status JobStatus) error {
	return &ConflictError{JobID: jobID, Status: status}
}

// ValidationError collects field level problems with a submission.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Add records a problem for field, keeping the first message per field.
func (e *ValidationError) Add(field, msg string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	if _, exists := e.Fields[field]; !exists {
		e.Fields[field] = msg
	}
}

// Empty reports whether no problems were recorded.
func (e *ValidationError) Empty() bool {
	return len(e.Fields) == 0
}

// OrNil returns e as an error when it carries problems, nil otherwise.
func (e *ValidationError) OrNil() error {
	if e.Empty() {
		return nil
	}
	return e
}

// NewValidationError creates a ValidationError with a single field
func NewValidationError(field, msg string) *ValidationError {
	v := &ValidationError{}
	v.Add(field, msg)
	return v
}

// IsValidation reports whether err is a ValidationError
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
