package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hiveboard/hiveboard/internal/httpx"
	"github.com/hiveboard/hiveboard/internal/storage"
)

// writeStorageError maps the storage error family onto the HTTP envelope.
func writeStorageError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		httpx.Error(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, storage.ErrConflict):
		httpx.Error(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, storage.ErrValidation):
		httpx.Error(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, storage.ErrUnauthorized):
		httpx.Error(w, http.StatusUnauthorized, "authentication_failed", err.Error())
	case errors.Is(err, storage.ErrRateLimited):
		httpx.Error(w, http.StatusTooManyRequests, "rate_limited", err.Error())
	default:
		httpx.Error(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

// decodeBody decodes a JSON request body into v, writing the error response
// on failure. Bodies are capped at 1 MB.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpx.Error(w, http.StatusRequestEntityTooLarge, "request_too_large", "request body too large (limit 1MB)")
			return false
		}
		httpx.Error(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return false
	}
	return true
}
