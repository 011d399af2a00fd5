// Package apperr defines the error taxonomy shared by every Acervo component.
//
// Errors carry a machine-readable code that the HTTP layer maps to a status
// and the orchestrator uses to decide whether a failure is retryable.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Code identifies an error category.
type Code string

const (
	CodeValidation         Code = "VALIDATION_ERROR"
	CodeInvalidArgument    Code = "INVALID_ARGUMENT"
	CodeNotFound           Code = "ENTITY_NOT_FOUND"
	CodeConflict           Code = "CONFLICT"
	CodeTransient          Code = "TRANSIENT_ERROR"
	CodeModelNotRegistered Code = "MODEL_NOT_REGISTERED"
	CodeProcessing         Code = "PROCESSING_ERROR"
	CodeCancelled          Code = "CANCELLED"
	CodeInternal           Code = "INTERNAL_ERROR"
)

// Error is the typed error propagated between components.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a taxonomy error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a taxonomy error.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// WithDetails returns a copy carrying extra key/value context for the caller.
func (e *Error) WithDetails(details map[string]any) *Error {
	clone := *e
	clone.Details = details
	return &clone
}

// Validation builds a VALIDATION_ERROR.
func Validation(format string, args ...any) *Error {
	return New(CodeValidation, format, args...)
}

// NotFound builds an ENTITY_NOT_FOUND for an entity/key pair.
func NotFound(entity, key string) *Error {
	return New(CodeNotFound, "%s not found: %s", entity, key)
}

// Conflict builds a CONFLICT error.
func Conflict(format string, args ...any) *Error {
	return New(CodeConflict, format, args...)
}

// Transient builds a retryable TRANSIENT_ERROR.
func Transient(cause error, format string, args ...any) *Error {
	return Wrap(CodeTransient, cause, format, args...)
}

// ModelNotRegistered builds the pool's fail-fast error for unknown models.
func ModelNotRegistered(model string) *Error {
	return New(CodeModelNotRegistered, "no provider registered for model %q", model)
}

// CodeOf extracts the taxonomy code from any error chain.
// Unclassified errors report CodeInternal.
func CodeOf(err error) Code {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	if errors.Is(err, context.Canceled) {
		return CodeCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTransient
	}
	return CodeInternal
}

// IsTransient reports whether err should be retried under the retry policy.
// Network errors and deadline expiry count as transient even when they were
// never wrapped in a taxonomy error.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code == CodeTransient
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// Is lets errors.Is match two taxonomy errors by code.
func (e *Error) Is(target error) bool {
	var ae *Error
	if errors.As(target, &ae) {
		return e.Code == ae.Code
	}
	return false
}
