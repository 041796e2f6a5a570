package collab

import (
	"errors"
	"fmt"

	dErrors "dunning/pkg/domain-errors"
)

// ErrorCategory is the normalized failure taxonomy for collaborators.
type ErrorCategory string

const (
	ErrorTimeout          ErrorCategory = "timeout"
	ErrorBadData          ErrorCategory = "bad_data"
	ErrorAuthentication   ErrorCategory = "authentication"
	ErrorOutage           ErrorCategory = "outage"
	ErrorContractMismatch ErrorCategory = "contract_mismatch"
	ErrorNotFound         ErrorCategory = "not_found"
	ErrorRateLimited      ErrorCategory = "rate_limited"
	// ErrorRejected means the collaborator understood the request and
	// refused it (bad recipient, invalid package).
	ErrorRejected ErrorCategory = "rejected"
	ErrorInternal ErrorCategory = "internal"
)

// Error wraps a collaborator failure with its category.
type Error struct {
	Category     ErrorCategory
	Collaborator string
	Message      string
	Underlying   error
	Retryable    bool
}

func (e *Error) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("%s [%s]: %s: %v", e.Collaborator, e.Category, e.Message, e.Underlying)
	}
	return fmt.Sprintf("%s [%s]: %s", e.Collaborator, e.Category, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Underlying
}

func NewError(category ErrorCategory, collaborator, message string, underlying error) *Error {
	retryable := category == ErrorTimeout ||
		category == ErrorOutage ||
		category == ErrorRateLimited
	return &Error{
		Category:     category,
		Collaborator: collaborator,
		Message:      message,
		Underlying:   underlying,
		Retryable:    retryable,
	}
}

// IsRetryable reports whether err is worth another attempt. Errors that did
// not come from a collaborator adapter are treated as transient.
func IsRetryable(err error) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	var de *dErrors.Error
	if errors.As(err, &de) {
		return de.Retryable
	}
	return true
}

func GetCategory(err error) ErrorCategory {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Category
	}
	return ErrorInternal
}

// ToDomain lifts a collaborator failure into the domain error taxonomy.
func ToDomain(err error, message string) error {
	if err == nil {
		return nil
	}
	var de *dErrors.Error
	if errors.As(err, &de) {
		return err
	}
	if IsRetryable(err) {
		return dErrors.Wrap(err, dErrors.CodeTransientDependency, message)
	}
	switch GetCategory(err) {
	case ErrorBadData, ErrorRejected:
		return dErrors.Wrap(err, dErrors.CodeValidation, message)
	case ErrorNotFound:
		return dErrors.Wrap(err, dErrors.CodeNotFound, message)
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, message)
	}
}
