// Package domainerrors defines the error taxonomy shared by every service.
//
// Each error carries a machine-readable Code and a Retryable flag so callers
// (HTTP handlers, the sweep report, the outbox relay) can decide what to do
// without string matching.
package domainerrors

import (
	"errors"
	"fmt"
)

// Code is a machine-readable error category.
type Code string

const (
	CodeValidation          Code = "validation"
	CodeBadRequest          Code = "bad_request"
	CodeNotFound            Code = "not_found"
	CodeConflict            Code = "conflict"
	CodeInvariantViolation  Code = "invariant_violation"
	CodeTransientDependency Code = "transient_dependency"
	CodeConcurrencyConflict Code = "concurrency_conflict"
	CodeFatalData           Code = "fatal_data"
	CodeDeliveryFailed      Code = "delivery_failed"
	CodeRegistryInvalid     Code = "registry_invalid"
	CodeUnauthorized        Code = "unauthorized"
	CodeInternal            Code = "internal"
)

// retryableCodes lists codes that are worth retrying by default.
var retryableCodes = map[Code]bool{
	CodeTransientDependency: true,
	CodeConcurrencyConflict: true,
}

// Error is a coded domain error.
type Error struct {
	Code      Code
	Message   string
	Retryable bool
	// Details holds optional machine-readable context, e.g. registry guidance.
	Details map[string]string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a coded error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message, Retryable: retryableCodes[code]}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, Retryable: retryableCodes[code], Err: err}
}

// WithDetail returns the error with an extra detail entry.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// HasCode reports whether any coded error in err's chain has the given code.
func HasCode(err error, code Code) bool {
	var de *Error
	for err != nil {
		if errors.As(err, &de) {
			if de.Code == code {
				return true
			}
			err = de.Err
			continue
		}
		return false
	}
	return false
}

// CodeOf returns the outermost code in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// IsRetryable reports whether the outermost coded error is retryable.
func IsRetryable(err error) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Retryable
	}
	return false
}

// Is is errors.Is re-exported so call sites can use a single import.
func Is(err, target error) bool {
	return errors.Is(err, target)
}
