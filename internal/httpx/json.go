// Package httpx holds the JSON response helpers shared by the API surface
// and the auth middleware.
package httpx

import (
	"encoding/json"
	"net/http"
)

// ErrorBody is the uniform error envelope for every non-2xx JSON response.
type ErrorBody struct {
	Error   string         `json:"error"`
	Message string         `json:"message"`
	Status  int            `json:"status"`
	Details map[string]any `json:"details,omitempty"`
}

// JSON writes v with the given status.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Error writes the error envelope.
func Error(w http.ResponseWriter, status int, code, message string) {
	JSON(w, status, ErrorBody{Error: code, Message: message, Status: status})
}

// ErrorDetails writes the error envelope with a details object.
func ErrorDetails(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	JSON(w, status, ErrorBody{Error: code, Message: message, Status: status, Details: details})
}
