package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/bacnet-hub/internal/remote"
	"github.com/nerrad567/bacnet-hub/internal/store"
	"github.com/nerrad567/bacnet-hub/internal/supervisor"
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
	ErrCodeUnauthorized    = "unauthorised"
	ErrCodeForbidden       = "forbidden"
	ErrCodeConflict        = "conflict"
	ErrCodeInternal        = "internal_error"
	ErrCodeEntryIDRequired = "entry_id_required"
	ErrCodeNotRunning      = "entry_not_running"
	ErrCodeRemoteDisabled  = "remote_disabled"
	ErrCodeUnavailable     = "unavailable"
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

// writeUnauthorized writes a 401 error response.
func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeDomainError maps controller errors onto HTTP responses.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, supervisor.ErrEntryIDRequired):
		writeError(w, http.StatusBadRequest, ErrCodeEntryIDRequired, "several entries exist; entry_id is required")
	case errors.Is(err, supervisor.ErrEntryNotFound),
		errors.Is(err, store.ErrEntryNotFound),
		errors.Is(err, store.ErrImportedNotFound),
		errors.Is(err, remote.ErrPointNotFound):
		writeNotFound(w, err.Error())
	case errors.Is(err, supervisor.ErrNotRunning):
		writeError(w, http.StatusConflict, ErrCodeNotRunning, err.Error())
	case errors.Is(err, supervisor.ErrRemoteDisabled):
		writeError(w, http.StatusConflict, ErrCodeRemoteDisabled, err.Error())
	default:
		s.logger.Error("API request failed", "error", err)
		writeInternalError(w, "internal error")
	}
}
