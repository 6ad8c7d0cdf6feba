// Package errors provides lightweight, dependency-free error
// construction helpers shared by every component. It complements
// internal/errors (which carries HTTP-status-mapped AppErrors for the
// API edge) with plain wrapped errors for internal operational
// reporting and logs.
package errors

import (
	"fmt"
	"strings"
)

// OperationError describes a failed operation with optional component
// and resource context.
type OperationError struct {
	Operation string
	Component string
	Resource  string
	Cause     error
}

func (e *OperationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "failed to %s", e.Operation)
	if e.Component != "" {
		fmt.Fprintf(&b, ", component: %s", e.Component)
	}
	if e.Resource != "" {
		fmt.Fprintf(&b, ", resource: %s", e.Resource)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ", cause: %s", e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause, or nil if there is none.
func (e *OperationError) Unwrap() error {
	return e.Cause
}

// FailedTo builds a simple "failed to <action>[: <cause>]" error.
func FailedTo(action string, cause error) error {
	if cause == nil {
		return fmt.Errorf("failed to %s", action)
	}
	return fmt.Errorf("failed to %s: %w", action, cause)
}

// FailedToWithDetails builds an *OperationError with component and
// resource context attached.
func FailedToWithDetails(operation, component, resource string, cause error) error {
	return &OperationError{
		Operation: operation,
		Component: component,
		Resource:  resource,
		Cause:     cause,
	}
}

// Wrapf wraps err with a formatted message, or returns nil if err is
// nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	return fmt.Errorf("%s: %w", msg, err)
}

// DatabaseError builds an *OperationError for a failed database
// operation.
func DatabaseError(operation string, cause error) error {
	return &OperationError{Operation: operation, Component: "database", Cause: cause}
}

// NetworkError builds an *OperationError for a failed network call.
func NetworkError(operation, endpoint string, cause error) error {
	return &OperationError{
		Operation: operation,
		Component: "network",
		Resource:  endpoint,
		Cause:     cause,
	}
}

// ValidationError builds a plain field-validation error.
func ValidationError(field, reason string) error {
	return fmt.Errorf("validation failed for field %s: %s", field, reason)
}

// ConfigurationError builds a plain configuration error.
func ConfigurationError(setting, reason string) error {
	return fmt.Errorf("configuration error for setting %s: %s", setting, reason)
}

// TimeoutError builds a plain timeout error.
func TimeoutError(operation, duration string) error {
	return fmt.Errorf("timeout while %s after %s", operation, duration)
}

// AuthenticationError builds a plain authentication error.
func AuthenticationError(reason string) error {
	return fmt.Errorf("authentication failed: %s", reason)
}

// AuthorizationError builds a plain authorization error.
func AuthorizationError(action, resource string) error {
	return fmt.Errorf("authorization failed: insufficient permissions to %s %s", action, resource)
}

// ParseError builds an *OperationError for a failed parse operation.
func ParseError(what, format string, cause error) error {
	return &OperationError{
		Operation: fmt.Sprintf("parse %s as %s", what, format),
		Cause:     cause,
	}
}

// IsRetryable reports whether err looks like a transient failure
// worth retrying once, based on common substrings. This is a coarse
// heuristic used only to decide single-retry eligibility in run
// stages (spec.md §7 transient-error policy); it is not a substitute
// for typed sentinel errors where those are available.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, substr := range []string{"timeout", "connection refused", "unavailable", "reset by peer", "eof"} {
		if strings.Contains(msg, substr) {
			return true
		}
	}
	return false
}

// Chain joins non-nil errors into a single error, or returns nil if
// all are nil. A single non-nil error is returned unwrapped.
func Chain(errs ...error) error {
	var nonNil []string
	for _, err := range errs {
		if err != nil {
			nonNil = append(nonNil, err.Error())
		}
	}
	switch len(nonNil) {
	case 0:
		return nil
	case 1:
		return fmt.Errorf("%s", nonNil[0])
	default:
		return fmt.Errorf("multiple errors: %s", strings.Join(nonNil, "; "))
	}
}
