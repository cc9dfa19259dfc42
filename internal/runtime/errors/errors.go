// Package errors holds the sentinel and typed errors surfaced by stageflow.
package errors

import (
	sterrors "errors"
	"fmt"
	"strings"
)

var (
	ErrFactoryRequired    = sterrors.New("stageflow: factory is required")
	ErrLambdaRequired     = sterrors.New("stageflow: process lambda is required")
	ErrEndpointIDRequired = sterrors.New("stageflow: endpoint id is required")
	ErrEndpointSealed     = sterrors.New("stageflow: endpoint is sealed, no more stages can be added")
	ErrEndpointNotSealed  = sterrors.New("stageflow: endpoint setup is not finished")
	ErrDuplicateEndpoint  = sterrors.New("stageflow: endpoint id is already registered")
	ErrNoNextStage        = sterrors.New("stageflow: stage has no next stage")
	ErrInitiatorClosed    = sterrors.New("stageflow: initiator is closed")
	ErrFactoryStopped     = sterrors.New("stageflow: factory is stopped")
	ErrSerializerRequired = sterrors.New("stageflow: serializer is required")
	ErrLoggerRequired     = sterrors.New("stageflow: logger is required")
	ErrConfigRequired     = sterrors.New("stageflow: config is required")
	ErrEmptyStackReply    = sterrors.New("stageflow: cannot add reply call with an empty stack")
	ErrSessionLost        = sterrors.New("stageflow: broker session is no longer active")
)

// ValidationError is returned when an initiation builder is missing a
// required field. Nothing has been sent when this is returned.
type ValidationError struct {
	Operation string
	Missing   []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("stageflow: %s requires %s", e.Operation, strings.Join(e.Missing, ", "))
}

// BackendUnavailableError is returned when a broker connection or session
// could not be acquired. No external resources have been committed.
type BackendUnavailableError struct {
	Err error
}

func (e *BackendUnavailableError) Error() string {
	return fmt.Sprintf("stageflow: message backend unavailable: %v", e.Err)
}

func (e *BackendUnavailableError) Unwrap() error { return e.Err }

// MessageSendError is returned from the window between the external resource
// commit and the broker commit: the resource commit has happened, but the
// outgoing messages may not have been published. The caller must compensate.
type MessageSendError struct {
	Err error
}

func (e *MessageSendError) Error() string {
	return fmt.Sprintf("stageflow: external resource committed but message commit failed: %v", e.Err)
}

func (e *MessageSendError) Unwrap() error { return e.Err }

// StageRetryError is returned when a stage's work rolled back before the
// commit point: both transactions were rolled back, the broker will
// redeliver the triggering message.
type StageRetryError struct {
	Err error
}

func (e *StageRetryError) Error() string {
	return fmt.Sprintf("stageflow: stage processing rolled back, message will be redelivered: %v", e.Err)
}

func (e *StageRetryError) Unwrap() error { return e.Err }

// IsStageRetry reports whether err is (or wraps) a StageRetryError.
func IsStageRetry(err error) bool {
	var target *StageRetryError
	return sterrors.As(err, &target)
}

// SerializationError is returned when the envelope or a DTO could not be
// (de)serialized.
type SerializationError struct {
	What string
	Err  error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("stageflow: could not serialize or deserialize %s: %v", e.What, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// LifecycleError is returned for operations on a component in the wrong
// lifecycle phase (e.g. adding a stage to a sealed endpoint).
type LifecycleError struct {
	Component string
	Op        string
	Err       error
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("stageflow: %s cannot %s: %v", e.Component, e.Op, e.Err)
}

func (e *LifecycleError) Unwrap() error { return e.Err }

// ConfigValidationError aggregates all problems found by ValidateConfig.
type ConfigValidationError struct {
	Problems []string
}

func (e *ConfigValidationError) Error() string {
	return "stageflow: invalid config: " + strings.Join(e.Problems, "; ")
}

// IsBackendUnavailable reports whether err is (or wraps) a
// BackendUnavailableError.
func IsBackendUnavailable(err error) bool {
	var target *BackendUnavailableError
	return sterrors.As(err, &target)
}

// IsMessageSend reports whether err is (or wraps) a MessageSendError.
// Callers use this to distinguish "nothing happened" from "external side
// effects may have happened".
func IsMessageSend(err error) bool {
	var target *MessageSendError
	return sterrors.As(err, &target)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var target *ValidationError
	return sterrors.As(err, &target)
}
