// Package errors defines the error taxonomy shared by the submission, processing
// and delivery paths of the detection pipeline.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a category of application error.
type ErrorCode string

const (
	// ErrCodeNotFound indicates a resource (typically a prediction result) was not found.
	ErrCodeNotFound ErrorCode = "not_found"
	// ErrCodeValidation indicates invalid input data.
	ErrCodeValidation ErrorCode = "validation"
	// ErrCodeMalformedJob indicates a queue message that can never be processed.
	ErrCodeMalformedJob ErrorCode = "malformed_job"
	// ErrCodeTransient indicates a failed external call that may succeed on retry.
	ErrCodeTransient ErrorCode = "transient"
	// ErrCodeDetection indicates the detection engine failed or produced unusable output.
	ErrCodeDetection ErrorCode = "detection"
	// ErrCodeStaleLease indicates an acknowledgement for a lease that is no longer held.
	ErrCodeStaleLease ErrorCode = "stale_lease"
	// ErrCodeInternal indicates an internal server error.
	ErrCodeInternal ErrorCode = "internal"
	// ErrCodeTimeout indicates a timeout occurred.
	ErrCodeTimeout ErrorCode = "timeout"
	// ErrCodeCanceled indicates the operation was canceled.
	ErrCodeCanceled ErrorCode = "canceled"
)

// AppError represents a structured application error with a code, message, and optional cause.
// It supports error wrapping and unwrapping for use with errors.Is and errors.As.
type AppError struct {
	Code    ErrorCode
	Message string
	Cause   error
	// Field is the specific field that caused the error (validation and malformed jobs).
	Field string
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause, enabling errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Cause
}

func newError(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// NotFound creates a new NotFound error.
func NotFound(message string) *AppError { return newError(ErrCodeNotFound, message) }

// NotFoundf creates a new NotFound error with formatted message.
func NotFoundf(format string, args ...any) *AppError {
	return newError(ErrCodeNotFound, fmt.Sprintf(format, args...))
}

// Validation creates a new Validation error.
func Validation(message string) *AppError { return newError(ErrCodeValidation, message) }

// ValidationField creates a new Validation error for a specific field.
func ValidationField(field, message string) *AppError {
	return &AppError{Code: ErrCodeValidation, Message: message, Field: field}
}

// MalformedJob creates an error for a queue message whose body cannot describe a job.
func MalformedJob(field, message string) *AppError {
	return &AppError{Code: ErrCodeMalformedJob, Message: message, Field: field}
}

// Transient wraps err as a retryable failure of an external collaborator.
func Transient(err error, message string) *AppError { return Wrap(err, ErrCodeTransient, message) }

// Detection wraps err as a detection engine failure.
func Detection(err error, message string) *AppError { return Wrap(err, ErrCodeDetection, message) }

// StaleLease creates an error reporting that a lease token no longer identifies a held message.
func StaleLease(message string) *AppError { return newError(ErrCodeStaleLease, message) }

// Internal creates a new Internal error.
func Internal(message string) *AppError { return newError(ErrCodeInternal, message) }

// Internalf creates a new Internal error with formatted message.
func Internalf(format string, args ...any) *AppError {
	return newError(ErrCodeInternal, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with an AppError, preserving the cause.
func Wrap(err error, code ErrorCode, message string) *AppError {
	if err == nil {
		return nil
	}
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Wrapf wraps an existing error with an AppError and formatted message.
func Wrapf(err error, code ErrorCode, format string, args ...any) *AppError {
	return Wrap(err, code, fmt.Sprintf(format, args...))
}

// IsAppError reports whether err carries the given code anywhere in its chain.
func IsAppError(err error, code ErrorCode) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == code
}

// IsNotFound checks if an error is a NotFound error.
func IsNotFound(err error) bool { return IsAppError(err, ErrCodeNotFound) }

// IsValidation checks if an error is a Validation error.
func IsValidation(err error) bool { return IsAppError(err, ErrCodeValidation) }

// IsMalformedJob checks if an error is a MalformedJob error.
func IsMalformedJob(err error) bool { return IsAppError(err, ErrCodeMalformedJob) }

// IsTransient checks if an error is a Transient error.
func IsTransient(err error) bool { return IsAppError(err, ErrCodeTransient) }

// IsDetection checks if an error is a Detection error.
func IsDetection(err error) bool { return IsAppError(err, ErrCodeDetection) }

// IsStaleLease checks if an error is a StaleLease error.
func IsStaleLease(err error) bool { return IsAppError(err, ErrCodeStaleLease) }

// IsTimeout checks if an error is a Timeout error.
func IsTimeout(err error) bool { return IsAppError(err, ErrCodeTimeout) }

// GetCode returns the outermost ErrorCode from an error, or empty string if not an AppError.
func GetCode(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// GetField returns the Field from an error, or empty string if not an AppError or no field set.
func GetField(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Field
	}
	return ""
}
