package httpapi

import (
	"encoding/json"
	"net/http"

	"gend/internal/backend"
	"gend/internal/pool"
	"gend/pkg/types"
)

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}

// statusForError maps the orchestration error taxonomy to HTTP codes.
// Cancellation is handled by callers before this runs; it is an outcome,
// not a failure.
func statusForError(err error) int {
	switch {
	case pool.IsUnknownBackendType(err):
		return http.StatusBadRequest
	case pool.IsTimeout(err):
		return http.StatusTooManyRequests
	case pool.IsShuttingDown(err):
		return http.StatusServiceUnavailable
	case pool.IsModelLoadFailed(err):
		return http.StatusBadGateway
	case backend.IsJobExecutionError(err):
		return http.StatusBadGateway
	case backend.IsDisconnected(err):
		return http.StatusBadGateway
	case backend.IsWaitTimeout(err):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
