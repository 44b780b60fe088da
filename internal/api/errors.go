package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/bbellwfu/moip-manager/internal/bridges/moip"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeBadRequest      = "bad_request"
	ErrCodeNotFound        = "not_found"
	ErrCodeConflict        = "conflict"
	ErrCodeInternal        = "internal_error"
	ErrCodeValidation      = "validation_error"
	ErrCodeRejected        = "command_rejected"
	ErrCodeTimeout         = "timeout"
	ErrCodeControllerAuth  = "controller_auth_failed"
	ErrCodeUnavailable     = "controller_unavailable"
	ErrCodeNotConfigured   = "controller_not_configured"
	ErrCodeMethodNotAllow  = "method_not_allowed"
	ErrCodeUnsupportedType = "unsupported_media_type"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeControllerError maps a communication layer error to an HTTP status.
func writeControllerError(w http.ResponseWriter, err error) {
	status, code := controllerErrorStatus(err)
	writeError(w, status, code, err.Error())
}

func controllerErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, moip.ErrInvalidArgument):
		return http.StatusBadRequest, ErrCodeValidation
	case errors.Is(err, moip.ErrNotFound):
		return http.StatusNotFound, ErrCodeNotFound
	case errors.Is(err, moip.ErrCorrelationConflict):
		return http.StatusConflict, ErrCodeConflict
	case errors.Is(err, moip.ErrCommandRejected):
		return http.StatusUnprocessableEntity, ErrCodeRejected
	case errors.Is(err, moip.ErrTimeout):
		return http.StatusGatewayTimeout, ErrCodeTimeout
	case errors.Is(err, moip.ErrAuth):
		return http.StatusBadGateway, ErrCodeControllerAuth
	case errors.Is(err, moip.ErrNotConfigured):
		return http.StatusServiceUnavailable, ErrCodeNotConfigured
	case errors.Is(err, moip.ErrNetwork), errors.Is(err, moip.ErrNotConnected),
		errors.Is(err, moip.ErrClosed), errors.Is(err, moip.ErrStale):
		return http.StatusServiceUnavailable, ErrCodeUnavailable
	}
	return http.StatusInternalServerError, ErrCodeInternal
}
