package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned when a job cannot be found in the database
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidTransition is returned when a guarded status update matched no row
	ErrInvalidTransition = errors.New("job status transition not allowed")

	// ErrJobAlreadyFailed is returned when a task is delivered for a job that already failed
	ErrJobAlreadyFailed = errors.New("job already failed")

	// ErrInvalidPayload is returned when a task payload is malformed
	ErrInvalidPayload = errors.New("invalid task payload")
)

// FetchError means the source reference could not be downloaded
type FetchError struct {
	SourceRef string
	Err       error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.SourceRef, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// TransformError means the downloaded bytes could not be decoded or re-encoded
type TransformError struct {
	SourceRef string
	Err       error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("transform %s: %v", e.SourceRef, e.Err)
}

func (e *TransformError) Unwrap() error {
	return e.Err
}

// ItemStoreError fails a single line item; the job continues
type ItemStoreError struct {
	SequenceNumber int
	Err            error
}

func (e *ItemStoreError) Error() string {
	return fmt.Sprintf("item %d store write: %v", e.SequenceNumber, e.Err)
}

func (e *ItemStoreError) Unwrap() error {
	return e.Err
}

// JobStoreError fails the whole job and is retried at the task level
type JobStoreError struct {
	Op  string
	Err error
}

func (e *JobStoreError) Error() string {
	return fmt.Sprintf("job store %s: %v", e.Op, e.Err)
}

func (e *JobStoreError) Unwrap() error {
	return e.Err
}

// RetryableError wraps transient errors that should trigger a requeue
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err carries a RetryableError
func IsRetryable(err error) bool {
	var retryableErr *RetryableError
	return errors.As(err, &retryableErr)
}
