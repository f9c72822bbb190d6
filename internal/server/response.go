package server

import (
	"encoding/json"
	"net/http"

	"github.com/pairit/pairit/internal/apperr"
)

// ErrorResponse is the envelope for every error body.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeAppError translates any error into the structured taxonomy:
// apperr-tagged errors carry their own status, anything else is internal.
func writeAppError(w http.ResponseWriter, err error) {
	if e, ok := apperr.As(err); ok {
		writeJSON(w, e.Status(), ErrorResponse{Error: ErrorDetail{
			Code:    string(e.Code),
			Message: e.Message,
			Details: e.Details,
		}})
		return
	}
	writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: ErrorDetail{
		Code:    string(apperr.CodeInternal),
		Message: err.Error(),
	}})
}

// writeError writes an error from a code and message directly.
func writeError(w http.ResponseWriter, code apperr.Code, message string) {
	writeAppError(w, apperr.New(code, message))
}

// decodeBody decodes a JSON request body into v, returning an
// invalid_event error on malformed input.
func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.New(apperr.CodeInvalidEvent, "invalid JSON body")
	}
	return nil
}
