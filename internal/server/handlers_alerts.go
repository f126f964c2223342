package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/hiveboard/hiveboard/internal/httpx"
	"github.com/hiveboard/hiveboard/internal/storage"
)

type alertRuleRequest struct {
	Name            string                 `json:"name"`
	Condition       storage.AlertCondition `json:"condition"`
	Actions         []storage.AlertAction  `json:"actions"`
	CooldownSeconds int                    `json:"cooldown_seconds"`
	Enabled         *bool                  `json:"is_enabled,omitempty"`
}

func validAlertCondition(kind string) bool {
	switch kind {
	case storage.CondAgentStuck, storage.CondTaskFailed, storage.CondErrorRate,
		storage.CondDurationExceeded, storage.CondHeartbeatLost, storage.CondCostThreshold:
		return true
	}
	return false
}

func validAlertRule(w http.ResponseWriter, req *alertRuleRequest) bool {
	if req.Name == "" {
		httpx.Error(w, http.StatusBadRequest, "invalid_request", "name is required")
		return false
	}
	if !validAlertCondition(req.Condition.Kind) {
		httpx.Error(w, http.StatusBadRequest, "invalid_request", "unknown condition kind")
		return false
	}
	for i := range req.Actions {
		a := &req.Actions[i]
		switch a.Type {
		case "webhook":
			if a.URL == "" {
				httpx.Error(w, http.StatusBadRequest, "invalid_request", "webhook action requires url")
				return false
			}
		case "email":
			if a.Email == "" {
				httpx.Error(w, http.StatusBadRequest, "invalid_request", "email action requires email")
				return false
			}
		default:
			httpx.Error(w, http.StatusBadRequest, "invalid_request", "action type must be webhook or email")
			return false
		}
	}
	return true
}

func (s *Server) handleCreateAlertRule(w http.ResponseWriter, r *http.Request) {
	id, ok := s.requireWriter(w, r)
	if !ok {
		return
	}
	var req alertRuleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !validAlertRule(w, &req) {
		return
	}

	now := time.Now().UTC()
	rule := storage.AlertRule{
		RuleID:          uuid.NewString(),
		TenantID:        id.TenantID,
		Name:            req.Name,
		Condition:       req.Condition,
		Actions:         req.Actions,
		CooldownSeconds: req.CooldownSeconds,
		Enabled:         req.Enabled == nil || *req.Enabled,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.backend.CreateAlertRule(r.Context(), rule); err != nil {
		writeStorageError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, rule)
}

func (s *Server) handleListAlertRules(w http.ResponseWriter, r *http.Request) {
	id := s.identity(r)
	rules, err := s.backend.ListAlertRules(r.Context(), id.TenantID)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"rules": rules})
}

func (s *Server) handleGetAlertRule(w http.ResponseWriter, r *http.Request) {
	id := s.identity(r)
	rule, err := s.backend.GetAlertRule(r.Context(), id.TenantID, r.PathValue("id"))
	if err != nil {
		writeStorageError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, rule)
}

func (s *Server) handleUpdateAlertRule(w http.ResponseWriter, r *http.Request) {
	id, ok := s.requireWriter(w, r)
	if !ok {
		return
	}
	rule, err := s.backend.GetAlertRule(r.Context(), id.TenantID, r.PathValue("id"))
	if err != nil {
		writeStorageError(w, err)
		return
	}
	var req alertRuleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !validAlertRule(w, &req) {
		return
	}

	rule.Name = req.Name
	rule.Condition = req.Condition
	rule.Actions = req.Actions
	rule.CooldownSeconds = req.CooldownSeconds
	if req.Enabled != nil {
		rule.Enabled = *req.Enabled
	}
	rule.UpdatedAt = time.Now().UTC()

	if err := s.backend.UpdateAlertRule(r.Context(), rule); err != nil {
		writeStorageError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, rule)
}

func (s *Server) handleDeleteAlertRule(w http.ResponseWriter, r *http.Request) {
	id, ok := s.requireWriter(w, r)
	if !ok {
		return
	}
	if err := s.backend.DeleteAlertRule(r.Context(), id.TenantID, r.PathValue("id")); err != nil {
		writeStorageError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAlertHistory(w http.ResponseWriter, r *http.Request) {
	id := s.identity(r)
	limit := parseLimit(r)
	if limit <= 0 {
		limit = 100
	}
	history, err := s.backend.ListAlertHistory(r.Context(), id.TenantID, limit)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"alerts": history})
}
