package control

import (
	"encoding/json"
	"errors"
	"net/http"
)

// Arbitration errors.
var (
	// ErrNotPrimary is returned when a client attempts a mutating
	// operation, or a release, without holding the primary role.
	ErrNotPrimary = errors.New("control: caller is not the primary client")

	// ErrAlreadyPrimary is returned when a client demands the primary
	// role while another client holds it.
	ErrAlreadyPrimary = errors.New("control: another client is primary")
)

// Wire error codes shared by the REST and WebSocket surfaces.
const (
	ErrCodeBadRequest     = "bad_request"
	ErrCodeNotFound       = "not_found"
	ErrCodeOutOfRange     = "out_of_range"
	ErrCodeBusy           = "busy"
	ErrCodeDeviceError    = "device_error"
	ErrCodeNotPrimary     = "not_primary"
	ErrCodeAlreadyPrimary = "already_primary"
	ErrCodeInternal       = "internal_error"
)

// Error is a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

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

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}
