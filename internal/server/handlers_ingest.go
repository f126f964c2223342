package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hiveboard/hiveboard/internal/httpx"
	"github.com/hiveboard/hiveboard/internal/ingest"
)

// handleIngest accepts one event batch. 200 when everything committed, 207
// when some events were rejected, 400 when the envelope itself is invalid.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	id := s.identity(r)

	r.Body = http.MaxBytesReader(w, r.Body, ingest.MaxBodyBytes)
	var req ingest.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpx.Error(w, http.StatusRequestEntityTooLarge, "request_too_large", "batch exceeds 1MB")
			return
		}
		httpx.Error(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	res, err := s.pipeline.Ingest(r.Context(), id.TenantID, &req)
	if err != nil {
		if errors.Is(err, ingest.ErrEnvelope) {
			httpx.Error(w, http.StatusBadRequest, "invalid_envelope", err.Error())
			return
		}
		writeStorageError(w, err)
		return
	}

	s.metrics.EventsIngested.WithLabelValues(id.TenantID).Add(float64(res.Accepted))
	s.metrics.EventsRejected.WithLabelValues(id.TenantID).Add(float64(res.Rejected))

	status := http.StatusOK
	if res.Partial() {
		status = http.StatusMultiStatus
	}
	httpx.JSON(w, status, res)
}
