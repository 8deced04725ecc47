package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest       = "BAD_REQUEST"
	ErrNotFound         = "NOT_FOUND"
	ErrConflict         = "CONFLICT"
	ErrValidationError  = "VALIDATION_ERROR"
	ErrInvalidState     = "INVALID_STATE"
	ErrAlreadyCompleted = "ALREADY_COMPLETED"
	ErrInternalError    = "INTERNAL_ERROR"
)

// ErrorEnvelope is the standard error returned by the engine's operations.
// It implements the error interface and carries a machine-readable code so
// callers can map failures to transport-level semantics (4xx vs 5xx) without
// string matching.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error. Surfaced when an optimistic
// version check fails; the caller may retry the operation.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR.
func NewValidationError(msg string, details ...FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrValidationError, Message: msg, Details: details}
}

// NewInvalidStateError returns an INVALID_STATE error. Surfaced when an
// execution is not in a status that permits the requested operation.
func NewInvalidStateError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidState, Message: msg}
}

// NewAlreadyCompletedError returns an ALREADY_COMPLETED error. Surfaced when
// a step execution is completed a second time, under race or misuse.
func NewAlreadyCompletedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrAlreadyCompleted, Message: msg}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// CodeOf returns the envelope code of err, or INTERNAL_ERROR when err is not
// an ErrorEnvelope.
func CodeOf(err error) string {
	var env *ErrorEnvelope
	if errors.As(err, &env) {
		return env.Code
	}
	return ErrInternalError
}

// IsCode reports whether err is an ErrorEnvelope with the given code.
func IsCode(err error, code string) bool {
	return CodeOf(err) == code
}
