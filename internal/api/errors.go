package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/deerma-bridge/internal/cloud"
	"github.com/nerrad567/deerma-bridge/internal/command"
	"github.com/nerrad567/deerma-bridge/internal/poller"
	"github.com/nerrad567/deerma-bridge/internal/session"
	"github.com/nerrad567/deerma-bridge/internal/shadow"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeNotFound     = "not_found"
	ErrCodeUnauthorized = "unauthorised"
	ErrCodeConflict     = "conflict"
	ErrCodeInternal     = "internal_error"
	ErrCodeValidation   = "validation_error"
	ErrCodeRateLimited  = "rate_limited"
	ErrCodeUnavailable  = "upstream_unavailable"
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

// writeNotFound writes a 404 error response.
func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeDomainError maps a component error onto an HTTP status.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, shadow.ErrDeviceNotFound),
		errors.Is(err, command.ErrNotFound),
		errors.Is(err, poller.ErrUnknownDevice):
		writeNotFound(w, err.Error())
	case errors.Is(err, shadow.ErrUnknownField),
		errors.Is(err, shadow.ErrReadOnlyField),
		errors.Is(err, shadow.ErrInvalidValue):
		writeError(w, http.StatusUnprocessableEntity, ErrCodeValidation, err.Error())
	case errors.Is(err, session.ErrNoCredentials), cloud.IsAuth(err):
		writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, err.Error())
	case errors.Is(err, cloud.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, ErrCodeRateLimited, err.Error())
	case errors.Is(err, command.ErrClosed):
		writeError(w, http.StatusConflict, ErrCodeConflict, err.Error())
	case cloud.IsTransient(err):
		writeError(w, http.StatusBadGateway, ErrCodeUnavailable, err.Error())
	default:
		writeInternalError(w, err.Error())
	}
}
