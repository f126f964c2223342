package server

import (
	"net/http"

	"github.com/hiveboard/hiveboard/internal/auth"
	"github.com/hiveboard/hiveboard/internal/httpx"
	"github.com/hiveboard/hiveboard/internal/storage"
)

func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health + version + server metrics
	mux.Handle("GET /healthz", s.public(s.handleHealthz))
	mux.Handle("GET /version", s.public(s.handleVersion))
	mux.Handle("GET /metrics", s.metrics.Handler())

	// Registration and login (unauthenticated)
	mux.Handle("POST /v1/auth/register", s.public(s.handleRegister))
	mux.Handle("POST /v1/auth/login", s.public(s.handleLogin))
	mux.Handle("GET /v1/auth/check-slug", s.public(s.handleCheckSlug))
	mux.Handle("POST /v1/auth/accept-invite", s.public(s.handleAcceptInvite))

	// Invites (owner/admin)
	mux.Handle("POST /v1/auth/invite", s.protected(s.handleInvite))
	mux.Handle("GET /v1/invites", s.protected(s.handleListInvites))
	mux.Handle("DELETE /v1/invites/{id}", s.protected(s.handleDeleteInvite))

	// API keys
	mux.Handle("POST /v1/api-keys", s.protected(s.handleCreateAPIKey))
	mux.Handle("GET /v1/api-keys", s.protected(s.handleListAPIKeys))
	mux.Handle("DELETE /v1/api-keys/{id}", s.protected(s.handleRevokeAPIKey))

	// Projects
	mux.Handle("GET /v1/projects", s.protected(s.handleListProjects))
	mux.Handle("POST /v1/projects", s.protected(s.handleCreateProject))
	mux.Handle("GET /v1/projects/{id}", s.protected(s.handleGetProject))
	mux.Handle("PUT /v1/projects/{id}", s.protected(s.handleUpdateProject))
	mux.Handle("DELETE /v1/projects/{id}", s.protected(s.handleDeleteProject))
	mux.Handle("POST /v1/projects/{id}/archive", s.protected(s.handleArchiveProject))
	mux.Handle("POST /v1/projects/{id}/unarchive", s.protected(s.handleUnarchiveProject))
	mux.Handle("POST /v1/projects/{id}/merge", s.protected(s.handleMergeProject))

	// Ingest
	mux.Handle("POST /v1/ingest", s.protected(s.handleIngest))

	// Agents
	mux.Handle("GET /v1/agents", s.protected(s.handleListAgents))
	mux.Handle("GET /v1/agents/{id}", s.protected(s.handleGetAgent))
	mux.Handle("GET /v1/agents/{id}/pipeline", s.protected(s.handleAgentPipeline))

	// Tasks
	mux.Handle("GET /v1/tasks", s.protected(s.handleListTasks))
	mux.Handle("GET /v1/tasks/{id}", s.protected(s.handleGetTask))
	mux.Handle("GET /v1/tasks/{id}/timeline", s.protected(s.handleTaskTimeline))

	// Events
	mux.Handle("GET /v1/events", s.protected(s.handleListEvents))
	mux.Handle("GET /v1/events/{id}", s.protected(s.handleGetEvent))

	// Metrics and cost
	mux.Handle("GET /v1/metrics", s.protected(s.handleMetrics))
	mux.Handle("GET /v1/cost", s.protected(s.handleCost))
	mux.Handle("GET /v1/cost/calls", s.protected(s.handleCostCalls))
	mux.Handle("GET /v1/cost/timeseries", s.protected(s.handleCostTimeseries))
	mux.Handle("GET /v1/llm-calls", s.protected(s.handleLLMCalls))

	// Pipeline
	mux.Handle("GET /v1/pipeline", s.protected(s.handleFleetPipeline))

	// Insights
	mux.Handle("GET /v1/insights/agents", s.protected(s.handleInsightAgents))
	mux.Handle("GET /v1/insights/models", s.protected(s.handleInsightModels))
	mux.Handle("GET /v1/insights/timeseries", s.protected(s.handleInsightTimeseries))
	mux.Handle("GET /v1/insights/errors", s.protected(s.handleInsightErrors))
	mux.Handle("GET /v1/insights/prompts", s.protected(s.handleInsightPrompts))
	mux.Handle("GET /v1/insights/actions", s.protected(s.handleInsightActions))

	// Alerts
	mux.Handle("GET /v1/alerts/rules", s.protected(s.handleListAlertRules))
	mux.Handle("POST /v1/alerts/rules", s.protected(s.handleCreateAlertRule))
	mux.Handle("GET /v1/alerts/rules/{id}", s.protected(s.handleGetAlertRule))
	mux.Handle("PUT /v1/alerts/rules/{id}", s.protected(s.handleUpdateAlertRule))
	mux.Handle("DELETE /v1/alerts/rules/{id}", s.protected(s.handleDeleteAlertRule))
	mux.Handle("GET /v1/alerts/history", s.protected(s.handleAlertHistory))

	// Admin
	mux.Handle("POST /v1/admin/rebuild-aggregates", s.protected(s.handleRebuildAggregates))
	mux.Handle("POST /v1/admin/retention/run", s.protected(s.handleRetentionRun))

	// Streaming. Token auth happens inside the handshake; the latency
	// histogram skips this route because the connection is hijacked.
	mux.HandleFunc("GET /v1/stream", s.hub.HandleWS)
}

// protected authenticates, rate-limits and instruments a handler.
func (s *Server) protected(h http.HandlerFunc) http.Handler {
	return s.metrics.Instrument(s.authMW.Wrap(h))
}

// public instruments a handler without authentication.
func (s *Server) public(h http.HandlerFunc) http.Handler {
	return s.metrics.Instrument(h)
}

// identity returns the authenticated identity, which Wrap guarantees.
func (s *Server) identity(r *http.Request) *auth.Identity {
	return auth.FromContext(r.Context())
}

// requireUserRole gates dashboard-only endpoints. API-key identities are
// rejected; user identities need at least min.
func (s *Server) requireUserRole(w http.ResponseWriter, r *http.Request, min string) (*auth.Identity, bool) {
	id := s.identity(r)
	if id.IsAPIKey() {
		httpx.Error(w, http.StatusForbidden, "insufficient_permissions", "endpoint requires a user session")
		return nil, false
	}
	if !auth.AtLeast(id.Role, min) {
		httpx.Error(w, http.StatusForbidden, "insufficient_permissions", "role does not permit this operation")
		return nil, false
	}
	return id, true
}

// requireWriter gates mutations shared by dashboard users and API keys:
// member+ users, live and test keys. Read keys are already blocked by the
// middleware.
func (s *Server) requireWriter(w http.ResponseWriter, r *http.Request) (*auth.Identity, bool) {
	id := s.identity(r)
	if !id.IsAPIKey() && !auth.AtLeast(id.Role, storage.RoleMember) {
		httpx.Error(w, http.StatusForbidden, "insufficient_permissions", "role does not permit this operation")
		return nil, false
	}
	return id, true
}
