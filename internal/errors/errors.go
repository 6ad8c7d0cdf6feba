// Package errors defines the engine's structured error taxonomy
// (spec.md §7): a typed AppError carrying an HTTP status code and an
// optional wrapped cause, so the API edge, the run orchestrator, and
// logs all agree on what a failure means.
package errors

import (
	"fmt"
	"net/http"
)

// ErrorType classifies an AppError for status-code mapping and safe
// client-facing messaging.
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeDatabase   ErrorType = "database"
	ErrorTypeNetwork    ErrorType = "network"
	ErrorTypeAuth       ErrorType = "auth"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeInternal   ErrorType = "internal"
	ErrorTypeTimeout    ErrorType = "timeout"
	ErrorTypeRateLimit  ErrorType = "rate_limit"
)

var statusCodes = map[ErrorType]int{
	ErrorTypeValidation: http.StatusBadRequest,
	ErrorTypeAuth:       http.StatusUnauthorized,
	ErrorTypeNotFound:   http.StatusNotFound,
	ErrorTypeConflict:   http.StatusConflict,
	ErrorTypeTimeout:    http.StatusRequestTimeout,
	ErrorTypeRateLimit:  http.StatusTooManyRequests,
	ErrorTypeDatabase:   http.StatusInternalServerError,
	ErrorTypeNetwork:    http.StatusInternalServerError,
	ErrorTypeInternal:   http.StatusInternalServerError,
}

// AppError is a typed, status-code-bearing error used throughout the
// engine and surfaced (safely) at the API edge.
type AppError struct {
	Type       ErrorType
	Message    string
	Details    string
	StatusCode int
	Cause      error
}

// New creates an AppError of the given type.
func New(errType ErrorType, message string) *AppError {
	return &AppError{
		Type:       errType,
		Message:    message,
		StatusCode: statusCodes[errType],
	}
}

// Wrap creates an AppError of the given type wrapping cause.
func Wrap(cause error, errType ErrorType, message string) *AppError {
	err := New(errType, message)
	err.Cause = cause
	return err
}

// Wrapf creates an AppError of the given type wrapping cause, with a
// formatted message.
func Wrapf(cause error, errType ErrorType, format string, args ...interface{}) *AppError {
	return Wrap(cause, errType, fmt.Sprintf(format, args...))
}

// WithDetails attaches additional (non-client-safe) detail to the
// error in place, and returns it for chaining.
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// WithDetailsf attaches formatted detail.
func (e *AppError) WithDetailsf(format string, args ...interface{}) *AppError {
	e.Details = fmt.Sprintf(format, args...)
	return e
}

func (e *AppError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.Details != "" {
		msg += fmt.Sprintf(" (%s)", e.Details)
	}
	return msg
}

// Unwrap returns the wrapped cause, if any.
func (e *AppError) Unwrap() error {
	return e.Cause
}

// NewValidationError creates a validation AppError.
func NewValidationError(message string) *AppError {
	return New(ErrorTypeValidation, message)
}

// NewDatabaseError creates a database AppError wrapping cause.
func NewDatabaseError(operation string, cause error) *AppError {
	return Wrap(cause, ErrorTypeDatabase, fmt.Sprintf("database operation failed: %s", operation))
}

// NewNotFoundError creates a not-found AppError for the named
// resource.
func NewNotFoundError(resource string) *AppError {
	return New(ErrorTypeNotFound, fmt.Sprintf("%s not found", resource))
}

// NewAuthError creates an auth AppError.
func NewAuthError(message string) *AppError {
	return New(ErrorTypeAuth, message)
}

// NewTimeoutError creates a timeout AppError for the named operation.
func NewTimeoutError(operation string) *AppError {
	return New(ErrorTypeTimeout, fmt.Sprintf("operation timed out: %s", operation))
}

// IsType reports whether err is an *AppError of the given type.
func IsType(err error, errType ErrorType) bool {
	appErr, ok := err.(*AppError)
	return ok && appErr.Type == errType
}

// GetType returns err's ErrorType, or ErrorTypeInternal if err is not
// an *AppError.
func GetType(err error) ErrorType {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Type
	}
	return ErrorTypeInternal
}

// GetStatusCode returns the HTTP status code to use for err.
func GetStatusCode(err error) int {
	if appErr, ok := err.(*AppError); ok {
		return appErr.StatusCode
	}
	return http.StatusInternalServerError
}

// errorMessages holds the generic, client-safe messages used for
// error types whose real message must not leak internal detail.
type errorMessages struct {
	ResourceNotFound       string
	AuthenticationFailed   string
	OperationTimeout       string
	RateLimitExceeded      string
	ConcurrentModification string
}

// ErrorMessages holds the canonical safe messages for non-validation
// error types.
var ErrorMessages = errorMessages{
	ResourceNotFound:       "The requested resource was not found",
	AuthenticationFailed:   "Authentication failed",
	OperationTimeout:       "The operation timed out",
	RateLimitExceeded:      "Rate limit exceeded, please slow down",
	ConcurrentModification: "The resource was modified concurrently, please retry",
}

// SafeErrorMessage returns a message safe to return to an API caller:
// validation messages pass through verbatim (they describe the
// caller's own mistake), everything else is replaced by a generic
// message per spec.md §7's auth-error opacity rule, generalized to
// every non-validation type.
func SafeErrorMessage(err error) string {
	appErr, ok := err.(*AppError)
	if !ok {
		return "An unexpected error occurred"
	}

	switch appErr.Type {
	case ErrorTypeValidation:
		return appErr.Message
	case ErrorTypeNotFound:
		return ErrorMessages.ResourceNotFound
	case ErrorTypeAuth:
		return ErrorMessages.AuthenticationFailed
	case ErrorTypeTimeout:
		return ErrorMessages.OperationTimeout
	case ErrorTypeRateLimit:
		return ErrorMessages.RateLimitExceeded
	case ErrorTypeConflict:
		return ErrorMessages.ConcurrentModification
	default:
		return "An internal error occurred"
	}
}

// LogFields returns a structured field map suitable for a logger,
// carrying the real (non-sanitized) error information.
func LogFields(err error) map[string]interface{} {
	fields := map[string]interface{}{
		"error": err.Error(),
	}

	appErr, ok := err.(*AppError)
	if !ok {
		return fields
	}

	fields["error_type"] = string(appErr.Type)
	fields["status_code"] = appErr.StatusCode
	if appErr.Details != "" {
		fields["error_details"] = appErr.Details
	}
	if appErr.Cause != nil {
		fields["underlying_error"] = appErr.Cause.Error()
	}
	return fields
}

// Chain joins non-nil errors with " -> ", returning nil if none are
// non-nil and the bare error if exactly one is.
func Chain(errs ...error) error {
	var nonNil []error
	for _, err := range errs {
		if err != nil {
			nonNil = append(nonNil, err)
		}
	}
	switch len(nonNil) {
	case 0:
		return nil
	case 1:
		return nonNil[0]
	default:
		msg := nonNil[0].Error()
		for _, err := range nonNil[1:] {
			msg += " -> " + err.Error()
		}
		return fmt.Errorf("%s", msg)
	}
}
