package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected indicates that the transport has no live connection
	ErrNotConnected = errors.New("not connected to transport")

	// ErrInvalidCommand indicates a malformed control command
	ErrInvalidCommand = errors.New("invalid command")

	// ErrContainerNotFound indicates that a command referenced a container the node does not host
	ErrContainerNotFound = errors.New("container not found")

	// ErrServiceNotFound indicates that a command referenced a service the container does not host
	ErrServiceNotFound = errors.New("service not found")

	// ErrAlreadyExists indicates a duplicate container or service creation
	ErrAlreadyExists = errors.New("already exists")

	// ErrEngineLoad indicates that an engine class could not be resolved or instantiated
	ErrEngineLoad = errors.New("engine load failed")

	// ErrEngineValidation indicates that a loaded engine does not declare its required metadata
	ErrEngineValidation = errors.New("engine validation failed")

	// ErrEngineContract indicates that an engine returned a result violating the engine contract
	ErrEngineContract = errors.New("engine contract violation")

	// ErrPublishFailed indicates that a message could not be published
	ErrPublishFailed = errors.New("publish failed")

	// ErrSubscriptionFailed indicates that a subscription could not be created
	ErrSubscriptionFailed = errors.New("subscription failed")

	// ErrNoResponse indicates that no response was received for a request
	ErrNoResponse = errors.New("no response received")

	// ErrShutdownTimeout indicates that in-flight work did not drain within the grace period
	ErrShutdownTimeout = errors.New("shutdown grace period exceeded")

	// ErrStopped indicates an operation on a stopped component
	ErrStopped = errors.New("component stopped")
)

// Error represents a structured DPE error
type Error struct {
	// Code is a machine-readable error code
	Code string

	// Message is a human-readable error message
	Message string

	// Err is the underlying error, if any
	Err error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new structured error
func NewError(code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewCommandError reports a rejected control command. The sentinel should be one of the
// command-level errors so callers can classify it with errors.Is.
func NewCommandError(message string, sentinel error) *Error {
	return NewError("COMMAND_REJECTED", message, sentinel)
}

// NewEngineError reports an engine load or validation failure.
func NewEngineError(class, message string, err error) *Error {
	return NewError("ENGINE_FAILED", fmt.Sprintf("%s: %s", class, message), err)
}

// NewTransportError reports a failed send, request or subscription.
func NewTransportError(topic, message string, err error) *Error {
	return NewError("TRANSPORT_FAILED", fmt.Sprintf("%s (topic %s)", message, topic), err)
}

// IsNotConnected checks if an error is a not connected error
func IsNotConnected(err error) bool {
	return errors.Is(err, ErrNotConnected)
}

// IsCommandError reports whether err is a rejected command rather than an internal failure.
func IsCommandError(err error) bool {
	return errors.Is(err, ErrInvalidCommand) ||
		errors.Is(err, ErrContainerNotFound) ||
		errors.Is(err, ErrServiceNotFound) ||
		errors.Is(err, ErrAlreadyExists)
}
