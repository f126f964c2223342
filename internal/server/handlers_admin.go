package server

import (
	"net/http"

	"github.com/hiveboard/hiveboard/internal/auth"
	"github.com/hiveboard/hiveboard/internal/httpx"
	"github.com/hiveboard/hiveboard/internal/rollup"
	"github.com/hiveboard/hiveboard/internal/storage"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, map[string]string{
		"version": Version,
		"commit":  Commit,
		"date":    Date,
	})
}

// requireAdmin gates the admin operations: owner/admin users, or a live key.
func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) (*auth.Identity, bool) {
	id := s.identity(r)
	if id.IsAPIKey() {
		if id.KeyType != storage.KeyTypeLive {
			httpx.Error(w, http.StatusForbidden, "insufficient_permissions", "admin operations require a live key")
			return nil, false
		}
		return id, true
	}
	if !auth.AtLeast(id.Role, storage.RoleAdmin) {
		httpx.Error(w, http.StatusForbidden, "insufficient_permissions", "role does not permit this operation")
		return nil, false
	}
	return id, true
}

// handleRebuildAggregates drops the tenant's rollup buckets and replays every
// retained event through the same update path ingest uses.
func (s *Server) handleRebuildAggregates(w http.ResponseWriter, r *http.Request) {
	id, ok := s.requireAdmin(w, r)
	if !ok {
		return
	}
	replayed, err := rollup.Rebuild(r.Context(), s.backend, id.TenantID, s.logger)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"events_replayed": replayed})
}

// handleRetentionRun triggers one retention pass outside the schedule.
func (s *Server) handleRetentionRun(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireAdmin(w, r); !ok {
		return
	}
	res, err := s.retainer.Run(r.Context())
	if err != nil {
		writeStorageError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}
