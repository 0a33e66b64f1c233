package client

import (
	"errors"
	"fmt"
)

// UpstreamTransientError is a network failure or non-2xx reply from a
// provider. Pollers retry it on the next tick; submitters surface it as 502.
type UpstreamTransientError struct {
	Provider   string
	StatusCode int
	Body       string
	Err        error
}

func (e *UpstreamTransientError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s API request failed: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("%s API error (status %d): %s", e.Provider, e.StatusCode, e.Body)
}

func (e *UpstreamTransientError) Unwrap() error {
	return e.Err
}

// UpstreamFailedError means the provider explicitly reported the job failed.
type UpstreamFailedError struct {
	Provider string
	Message  string
}

func (e *UpstreamFailedError) Error() string {
	return fmt.Sprintf("%s generation failed: %s", e.Provider, e.Message)
}

// ErrUnrecognizedResponse is returned when a submit reply carries neither
// a media URL nor a job reference.
var ErrUnrecognizedResponse = errors.New("unrecognized provider response")

// IsTransient reports whether err is an UpstreamTransientError
func IsTransient(err error) bool {
	var te *UpstreamTransientError
	return errors.As(err, &te)
}
