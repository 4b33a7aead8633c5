package errors

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse is the standardized error body returned to clients:
// {"error": message, "code": code, "retryable": bool, "details": {...}}.
type ErrorResponse struct {
	Error     string                 `json:"error"`             // Human-readable error message
	Code      Code                   `json:"code"`              // Machine-readable error code
	Retryable bool                   `json:"retryable"`         // Whether the client should retry (same idempotency key)
	Details   map[string]interface{} `json:"details,omitempty"` // Optional context (field names, ids)
}

// NewErrorResponse creates a standardized error response.
func NewErrorResponse(code Code, message string, details map[string]interface{}) ErrorResponse {
	return ErrorResponse{
		Error:     message,
		Code:      code,
		Retryable: code.Retryable(),
		Details:   details,
	}
}

// WriteError writes a classified error to the HTTP response. Unclassified
// errors become INTERNAL with a generic message; whatever detail they carry
// belongs in logs, not in the body.
func WriteError(w http.ResponseWriter, err error) {
	ce, ok := As(err)
	if !ok {
		ce = E(CodeInternal, "internal error")
	}

	message := ce.Message
	if ce.Code == CodeInternal {
		message = "internal error"
	}

	resp := NewErrorResponse(ce.Code, message, ce.Details)
	writeJSON(w, ce.HTTPStatus(), resp)
}

// WriteCode writes an error response for a code without a carrier error.
func WriteCode(w http.ResponseWriter, code Code, message string, details map[string]interface{}) {
	writeJSON(w, code.HTTPStatus(), NewErrorResponse(code, message, details))
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
