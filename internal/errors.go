package internal

import (
	"errors"
	"fmt"
)

// Generic errors
var (
	// ErrResourceNotFound is returned when the requested resource does not
	// exist.
	ErrResourceNotFound = errors.New("resource not found")

	// ErrResourceAlreadyExists is returned when attempting to create a resource
	// that already exists.
	ErrResourceAlreadyExists = errors.New("resource already exists")

	// ErrConflict is returned when an operation clashes with the current state
	// of a resource.
	ErrConflict = errors.New("modification conflicts with current state")

	// ErrRequiredName is returned when a name option is not present.
	ErrRequiredName = errors.New("name is required")

	// ErrInvalidName is returned when the name option has invalid value.
	ErrInvalidName = errors.New("invalid value for name")

	// ErrWebhookAuth is returned when a webhook callback fails bearer token
	// authentication.
	ErrWebhookAuth = errors.New("webhook authentication failed")

	// ErrTimeout is returned when an execution's deadline has elapsed.
	ErrTimeout = errors.New("execution deadline elapsed")
)

// Execution errors
var (
	// ErrInvalidStateTransition is returned when a lifecycle operation is not
	// permitted from the resource's current status, e.g. cancelling an
	// execution that has already completed.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrExecutionNotRetryable is returned when attempting to retry an
	// execution that has not yet reached a terminal status.
	ErrExecutionNotRetryable = errors.New("only terminal executions can be retried")
)

type (
	// ErrMissingParameter occurs when the caller has failed to provide a
	// required parameter.
	ErrMissingParameter struct {
		Parameter string
	}

	// InvalidParameterError occurs when the caller provides a parameter with
	// an invalid value.
	InvalidParameterError string
)

func (e *ErrMissingParameter) Error() string {
	return fmt.Sprintf("required parameter missing: %s", e.Parameter)
}

func (e InvalidParameterError) Error() string {
	return string(e)
}
