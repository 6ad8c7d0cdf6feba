// Package validation provides a structured ValidationError type and
// an RFC 7807 ("Problem Details for HTTP APIs") representation used
// to surface errors at the API edge (spec.md §7).
package validation

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// ValidationError carries a resource-level message plus zero or more
// per-field errors.
type ValidationError struct {
	Resource    string
	Message     string
	FieldErrors map[string]string
}

// NewValidationError creates a ValidationError for resource with an
// empty field-error map.
func NewValidationError(resource, message string) *ValidationError {
	return &ValidationError{
		Resource:    resource,
		Message:     message,
		FieldErrors: make(map[string]string),
	}
}

// AddFieldError records (or overwrites) the error for field.
func (e *ValidationError) AddFieldError(field, message string) {
	e.FieldErrors[field] = message
}

func (e *ValidationError) Error() string {
	if len(e.FieldErrors) == 0 {
		return fmt.Sprintf("%s: %s", e.Resource, e.Message)
	}
	return fmt.Sprintf("%s: %s (fields: %v)", e.Resource, e.Message, e.FieldErrors)
}

// ToRFC7807 converts the error into an RFC7807Problem.
func (e *ValidationError) ToRFC7807() *RFC7807Problem {
	return &RFC7807Problem{
		Type:     "https://edgegate.io/errors/validation-error",
		Title:    "Validation Error",
		Status:   http.StatusBadRequest,
		Detail:   e.Message,
		Instance: fmt.Sprintf("/resources/%s", e.Resource),
		Extensions: map[string]interface{}{
			"resource":     e.Resource,
			"field_errors": e.FieldErrors,
		},
	}
}

// RFC7807Problem is a "Problem Details for HTTP APIs" (RFC 7807)
// response body. Extensions are flattened into the top-level JSON
// object alongside the standard fields.
type RFC7807Problem struct {
	Type       string                 `json:"type"`
	Title      string                 `json:"title"`
	Status     int                    `json:"status"`
	Detail     string                 `json:"detail,omitempty"`
	Instance   string                 `json:"instance,omitempty"`
	Extensions map[string]interface{} `json:"-"`
}

// MarshalJSON flattens Extensions alongside the standard RFC 7807
// fields.
func (p *RFC7807Problem) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(p.Extensions)+5)
	for k, v := range p.Extensions {
		out[k] = v
	}
	out["type"] = p.Type
	out["title"] = p.Title
	out["status"] = p.Status
	if p.Detail != "" {
		out["detail"] = p.Detail
	}
	if p.Instance != "" {
		out["instance"] = p.Instance
	}
	return json.Marshal(out)
}

func (p *RFC7807Problem) Error() string {
	return fmt.Sprintf("%s (%d): %s", p.Title, p.Status, p.Detail)
}

// NewValidationErrorProblem builds a validation-error problem from a
// resource name and its field errors.
func NewValidationErrorProblem(resource string, fieldErrors map[string]string) *RFC7807Problem {
	return &RFC7807Problem{
		Type:     "https://edgegate.io/errors/validation-error",
		Title:    "Validation Error",
		Status:   http.StatusBadRequest,
		Detail:   fmt.Sprintf("validation failed for %s", resource),
		Instance: fmt.Sprintf("/resources/%s", resource),
		Extensions: map[string]interface{}{
			"resource":     resource,
			"field_errors": fieldErrors,
		},
	}
}

// NewNotFoundProblem builds a not-found problem for the resource
// identified by id.
func NewNotFoundProblem(resource, id string) *RFC7807Problem {
	return &RFC7807Problem{
		Type:     "https://edgegate.io/errors/not-found",
		Title:    "Resource Not Found",
		Status:   http.StatusNotFound,
		Detail:   fmt.Sprintf("%s %s was not found", resource, id),
		Instance: fmt.Sprintf("/resources/%s/%s", resource, id),
		Extensions: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
	}
}

// NewInternalErrorProblem builds an internal-error problem. Extensions
// mark retry=true: an internal error in this engine is, by
// convention, always safe to retry.
func NewInternalErrorProblem(detail string) *RFC7807Problem {
	return &RFC7807Problem{
		Type:   "https://edgegate.io/errors/internal-error",
		Title:  "Internal Server Error",
		Status: http.StatusInternalServerError,
		Detail: detail,
		Extensions: map[string]interface{}{
			"retry": true,
		},
	}
}

// NewServiceUnavailableProblem builds a service-unavailable problem.
func NewServiceUnavailableProblem(detail string) *RFC7807Problem {
	return &RFC7807Problem{
		Type:   "https://edgegate.io/errors/service-unavailable",
		Title:  "Service Unavailable",
		Status: http.StatusServiceUnavailable,
		Detail: detail,
		Extensions: map[string]interface{}{
			"retry": true,
		},
	}
}

// NewConflictProblem builds a conflict problem for a unique-field
// collision on resource.
func NewConflictProblem(resource, field, value string) *RFC7807Problem {
	return &RFC7807Problem{
		Type:     "https://edgegate.io/errors/conflict",
		Title:    "Resource Conflict",
		Status:   http.StatusConflict,
		Detail:   fmt.Sprintf("%s with %s=%s already exists", resource, field, value),
		Instance: fmt.Sprintf("/resources/%s", resource),
		Extensions: map[string]interface{}{
			"resource": resource,
			"field":    field,
			"value":    value,
		},
	}
}

// NewUnauthorizedProblem builds an auth-failure problem. detail is
// deliberately generic; the specific rejection reason is logged, not
// returned to the caller (spec.md §7).
func NewUnauthorizedProblem(detail string) *RFC7807Problem {
	return &RFC7807Problem{
		Type:   "https://edgegate.io/errors/unauthorized",
		Title:  "Unauthorized",
		Status: http.StatusUnauthorized,
		Detail: detail,
	}
}

// NewRateLimitedProblem builds a rate-limit problem.
func NewRateLimitedProblem(detail string) *RFC7807Problem {
	return &RFC7807Problem{
		Type:   "https://edgegate.io/errors/rate-limited",
		Title:  "Too Many Requests",
		Status: http.StatusTooManyRequests,
		Detail: detail,
	}
}
