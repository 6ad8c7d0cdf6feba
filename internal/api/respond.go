// Package api wires the EdgeGate control plane's HTTP edge: the
// CI-webhook route, run lifecycle routes, and the bundle-fetch route,
// on top of go-chi (spec.md §6 "EXTERNAL INTERFACES").
package api

import (
	"encoding/json"
	"net/http"

	intErrors "github.com/edgegate/edgegate/internal/errors"
	"github.com/edgegate/edgegate/pkg/datastorage/validation"
)

const problemContentType = "application/problem+json"

func writeProblem(w http.ResponseWriter, problem *validation.RFC7807Problem) {
	w.Header().Set("Content-Type", problemContentType)
	w.WriteHeader(problem.Status)
	_ = json.NewEncoder(w).Encode(problem)
}

// writeError maps err to an RFC7807 problem and writes it. An
// *RFC7807Problem is written as is; *AppError values (internal/errors)
// are mapped by ErrorType; anything else is treated as an opaque
// internal error.
func writeError(w http.ResponseWriter, err error) {
	if problem, ok := err.(*validation.RFC7807Problem); ok {
		writeProblem(w, problem)
		return
	}

	appErr, ok := err.(*intErrors.AppError)
	if !ok {
		writeProblem(w, validation.NewInternalErrorProblem(err.Error()))
		return
	}

	switch appErr.Type {
	case intErrors.ErrorTypeValidation:
		writeProblem(w, validation.NewValidationErrorProblem("request", map[string]string{"error": appErr.Message}))
	case intErrors.ErrorTypeNotFound:
		writeProblem(w, validation.NewNotFoundProblem("resource", appErr.Message))
	case intErrors.ErrorTypeConflict:
		writeProblem(w, validation.NewConflictProblem("resource", "id", appErr.Message))
	case intErrors.ErrorTypeAuth:
		writeProblem(w, validation.NewUnauthorizedProblem(appErr.Message))
	case intErrors.ErrorTypeRateLimit:
		writeProblem(w, validation.NewRateLimitedProblem(appErr.Message))
	case intErrors.ErrorTypeTimeout:
		writeProblem(w, validation.NewServiceUnavailableProblem(appErr.Message))
	default:
		writeProblem(w, validation.NewInternalErrorProblem(appErr.Message))
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
