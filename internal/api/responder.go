// Package api contains helpers shared by the service API handlers: JSON
// responses, error mapping, and request decoding.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tmshq/tms/internal"
)

// errorResponse is the wire shape of every error: a machine-readable code
// alongside a human message. Stack traces are logged, never returned.
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorMapping struct {
	status int
	code   string
}

var codes = map[error]errorMapping{
	internal.ErrResourceNotFound:      {http.StatusNotFound, "not_found"},
	internal.ErrResourceAlreadyExists: {http.StatusConflict, "already_exists"},
	internal.ErrConflict:              {http.StatusConflict, "conflict"},
	internal.ErrInvalidStateTransition: {
		http.StatusBadRequest, "invalid_state",
	},
	internal.ErrExecutionNotRetryable: {http.StatusBadRequest, "invalid_state"},
	internal.ErrRequiredName:          {http.StatusBadRequest, "validation_error"},
	internal.ErrInvalidName:           {http.StatusBadRequest, "validation_error"},
	internal.ErrWebhookAuth:           {http.StatusUnauthorized, "webhook_auth_error"},
}

// lookup maps a tms domain error to an http status and machine-readable code.
func lookup(err error) errorMapping {
	for domainErr, mapping := range codes {
		if errors.Is(err, domainErr) {
			return mapping
		}
	}
	var missing *internal.ErrMissingParameter
	if errors.As(err, &missing) {
		return errorMapping{http.StatusBadRequest, "validation_error"}
	}
	var invalid internal.InvalidParameterError
	if errors.As(err, &invalid) {
		return errorMapping{http.StatusBadRequest, "validation_error"}
	}
	return errorMapping{http.StatusInternalServerError, "internal_error"}
}

// Error writes an HTTP response for the given error.
func Error(w http.ResponseWriter, err error) {
	mapping := lookup(err)
	msg := err.Error()
	if mapping.status == http.StatusInternalServerError {
		// internal detail is logged by the caller, not returned
		msg = "internal error"
	}
	JSON(w, mapping.status, errorResponse{Code: mapping.code, Message: msg})
}

// JSON writes a JSON-encoded HTTP response.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
