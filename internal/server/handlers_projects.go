package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/hiveboard/hiveboard/internal/httpx"
	"github.com/hiveboard/hiveboard/internal/storage"
)

// projectByRef resolves a path reference by ID first, then slug.
func (s *Server) projectByRef(r *http.Request, tenantID, ref string) (storage.Project, error) {
	p, err := s.backend.GetProject(r.Context(), tenantID, ref)
	if err == nil || !errors.Is(err, storage.ErrNotFound) {
		return p, err
	}
	return s.backend.GetProjectBySlug(r.Context(), tenantID, ref)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	id := s.identity(r)
	includeArchived := r.URL.Query().Get("include_archived") == "true"
	projects, err := s.backend.ListProjects(r.Context(), id.TenantID, includeArchived)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"projects": projects})
}

type projectRequest struct {
	Name        string `json:"name"`
	Slug        string `json:"slug,omitempty"`
	Environment string `json:"environment,omitempty"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	id, ok := s.requireWriter(w, r)
	if !ok {
		return
	}
	var req projectRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		httpx.Error(w, http.StatusBadRequest, "invalid_request", "name is required")
		return
	}
	slug := req.Slug
	if slug == "" {
		slug = req.Name
	}
	slug = normalizeSlug(slug)

	p := storage.Project{
		ProjectID:   uuid.NewString(),
		TenantID:    id.TenantID,
		Name:        req.Name,
		Slug:        slug,
		Environment: req.Environment,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.backend.CreateProject(r.Context(), p); err != nil {
		writeStorageError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, p)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	id := s.identity(r)
	p, err := s.projectByRef(r, id.TenantID, r.PathValue("id"))
	if err != nil {
		writeStorageError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}

func (s *Server) handleUpdateProject(w http.ResponseWriter, r *http.Request) {
	id, ok := s.requireWriter(w, r)
	if !ok {
		return
	}
	p, err := s.projectByRef(r, id.TenantID, r.PathValue("id"))
	if err != nil {
		writeStorageError(w, err)
		return
	}
	var req projectRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name != "" {
		p.Name = req.Name
	}
	if req.Environment != "" {
		p.Environment = req.Environment
	}
	// The default project keeps its slug; renames would break ingest refs.
	if req.Slug != "" && p.Slug != storage.DefaultProjectSlug {
		p.Slug = normalizeSlug(req.Slug)
	}
	if err := s.backend.UpdateProject(r.Context(), p); err != nil {
		writeStorageError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	id, ok := s.requireWriter(w, r)
	if !ok {
		return
	}
	p, err := s.projectByRef(r, id.TenantID, r.PathValue("id"))
	if err != nil {
		writeStorageError(w, err)
		return
	}
	if p.Slug == storage.DefaultProjectSlug {
		httpx.Error(w, http.StatusBadRequest, "invalid_request", "the default project cannot be deleted")
		return
	}
	ref := r.URL.Query().Get("reassign_to")
	if ref == "" {
		httpx.Error(w, http.StatusBadRequest, "invalid_request", "reassign_to is required")
		return
	}
	target, err := s.projectByRef(r, id.TenantID, ref)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	if target.ProjectID == p.ProjectID {
		httpx.Error(w, http.StatusBadRequest, "invalid_request", "cannot reassign a project to itself")
		return
	}
	if err := s.backend.DeleteProject(r.Context(), id.TenantID, p.ProjectID, target.ProjectID); err != nil {
		writeStorageError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleArchiveProject(w http.ResponseWriter, r *http.Request) {
	s.setProjectArchived(w, r, true)
}

func (s *Server) handleUnarchiveProject(w http.ResponseWriter, r *http.Request) {
	s.setProjectArchived(w, r, false)
}

func (s *Server) setProjectArchived(w http.ResponseWriter, r *http.Request, archived bool) {
	id, ok := s.requireWriter(w, r)
	if !ok {
		return
	}
	p, err := s.projectByRef(r, id.TenantID, r.PathValue("id"))
	if err != nil {
		writeStorageError(w, err)
		return
	}
	if archived && p.Slug == storage.DefaultProjectSlug {
		httpx.Error(w, http.StatusBadRequest, "invalid_request", "the default project cannot be archived")
		return
	}
	if err := s.backend.SetProjectArchived(r.Context(), id.TenantID, p.ProjectID, archived); err != nil {
		writeStorageError(w, err)
		return
	}
	p.Archived = archived
	httpx.JSON(w, http.StatusOK, p)
}

type mergeProjectRequest struct {
	TargetSlug string `json:"target_slug"`
}

// handleMergeProject moves the source project's events and agent
// associations to the target, then archives the source.
func (s *Server) handleMergeProject(w http.ResponseWriter, r *http.Request) {
	id, ok := s.requireWriter(w, r)
	if !ok {
		return
	}
	var req mergeProjectRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.TargetSlug == "" {
		httpx.Error(w, http.StatusBadRequest, "invalid_request", "target_slug is required")
		return
	}
	source, err := s.projectByRef(r, id.TenantID, r.PathValue("id"))
	if err != nil {
		writeStorageError(w, err)
		return
	}
	target, err := s.backend.GetProjectBySlug(r.Context(), id.TenantID, req.TargetSlug)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	if source.ProjectID == target.ProjectID {
		httpx.Error(w, http.StatusBadRequest, "invalid_request", "cannot merge a project into itself")
		return
	}
	if err := s.backend.MergeProject(r.Context(), id.TenantID, source.ProjectID, target.ProjectID); err != nil {
		writeStorageError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"merged_into": target.ProjectID,
		"source":      source.ProjectID,
	})
}
