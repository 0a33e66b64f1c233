package service

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthRequired is returned when an operation has no user to act for
	ErrAuthRequired = errors.New("authentication required")
	// ErrUpstreamFailed wraps an explicit provider-side failure
	ErrUpstreamFailed = errors.New("upstream generation failed")
	// ErrProviderUnavailable means the provider has no credentials configured
	ErrProviderUnavailable = errors.New("provider not configured")
	// ErrJobNotFound covers unknown jobs and jobs owned by another user
	ErrJobNotFound = errors.New("job not found")
	// ErrJobNotCompleted is returned when settling a job that has not finished
	ErrJobNotCompleted = errors.New("job has not completed")
)

// ValidationError is a request the server refuses before calling a provider
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// RelayError means a provider output could not be copied to durable storage.
// No record is written and no credits are charged for that attempt.
type RelayError struct {
	Source string
	Err    error
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("failed to relay media: %v", e.Err)
}

func (e *RelayError) Unwrap() error {
	return e.Err
}
