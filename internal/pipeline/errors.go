package pipeline

import (
	"errors"
	"fmt"
)

// Handler outcomes map onto queue dispositions: nil acks, ValidationError
// and ConflictError dead-letter, anything else retries.

// ValidationError is a permanent structural or business-rule rejection.
// It is never retried.
type ValidationError struct {
	Code   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

func validationf(code, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// ConflictError means the stored state can never satisfy the message's
// intent: a concurrent mutation won, and the current state is not the
// intended outcome either.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string {
	return "conflict: " + e.Reason
}

func conflictf(format string, args ...any) *ConflictError {
	return &ConflictError{Reason: fmt.Sprintf(format, args...)}
}

// TransientError wraps an infrastructure failure worth redelivering.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error { return e.Err }

func transient(err error) *TransientError {
	return &TransientError{Err: err}
}

func transientf(format string, args ...any) *TransientError {
	return &TransientError{Err: fmt.Errorf(format, args...)}
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Reason extracts the dead-letter reason code for a permanent failure.
func Reason(err error) string {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Error()
	}
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce.Error()
	}
	return err.Error()
}
