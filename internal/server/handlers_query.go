package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hiveboard/hiveboard/internal/event"
	"github.com/hiveboard/hiveboard/internal/httpx"
	"github.com/hiveboard/hiveboard/internal/query"
	"github.com/hiveboard/hiveboard/internal/storage"
)

// parseRange reads since/until query params as RFC 3339. Zero values keep
// the engine defaults (trailing 24h).
func parseRange(r *http.Request) (query.Range, error) {
	var rng query.Range
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return rng, err
		}
		rng.Since = t
	}
	if v := r.URL.Query().Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return rng, err
		}
		rng.Until = t
	}
	return rng, nil
}

func parseLimit(r *http.Request) int {
	n, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	return n
}

func badRange(w http.ResponseWriter) {
	httpx.Error(w, http.StatusBadRequest, "invalid_request", "since/until must be RFC 3339 timestamps")
}

// Agents

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	id := s.identity(r)
	q := r.URL.Query()
	agents, err := s.queries.ListAgents(r.Context(), storage.AgentFilter{
		TenantID:    id.TenantID,
		ProjectID:   q.Get("project_id"),
		Environment: q.Get("environment"),
		Group:       q.Get("group"),
	})
	if err != nil {
		writeStorageError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	id := s.identity(r)
	agent, err := s.queries.GetAgent(r.Context(), id.TenantID, r.PathValue("id"))
	if err != nil {
		writeStorageError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, agent)
}

func (s *Server) handleAgentPipeline(w http.ResponseWriter, r *http.Request) {
	id := s.identity(r)
	p, err := s.queries.Pipeline(r.Context(), id.TenantID, r.PathValue("id"))
	if err != nil {
		writeStorageError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}

func (s *Server) handleFleetPipeline(w http.ResponseWriter, r *http.Request) {
	id := s.identity(r)
	p, err := s.queries.FleetPipeline(r.Context(), id.TenantID)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}

// Tasks

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	id := s.identity(r)
	q := r.URL.Query()
	tasks, next, err := s.queries.ListTasks(r.Context(), query.TaskFilter{
		TenantID:    id.TenantID,
		AgentID:     q.Get("agent_id"),
		ProjectID:   q.Get("project_id"),
		Environment: q.Get("environment"),
		Status:      q.Get("status"),
		Cursor:      q.Get("cursor"),
		Limit:       parseLimit(r),
	})
	if err != nil {
		writeStorageError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"tasks": tasks, "next_cursor": next})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := s.identity(r)
	task, err := s.queries.GetTask(r.Context(), id.TenantID, r.PathValue("id"))
	if err != nil {
		writeStorageError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, task)
}

func (s *Server) handleTaskTimeline(w http.ResponseWriter, r *http.Request) {
	id := s.identity(r)
	tl, err := s.queries.Timeline(r.Context(), id.TenantID, r.PathValue("id"))
	if err != nil {
		writeStorageError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, tl)
}

// Events

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	id := s.identity(r)
	q := r.URL.Query()

	f := storage.EventFilter{
		TenantID:    id.TenantID,
		AgentID:     q.Get("agent_id"),
		TaskID:      q.Get("task_id"),
		ProjectID:   q.Get("project_id"),
		Environment: q.Get("environment"),
		Group:       q.Get("group"),
		Limit:       parseLimit(r),
	}
	if v := q.Get("type"); v != "" {
		for _, t := range strings.Split(v, ",") {
			typ := event.Type(strings.TrimSpace(t))
			if !event.ValidType(typ) {
				httpx.Error(w, http.StatusBadRequest, "invalid_request", "unknown event type "+string(typ))
				return
			}
			f.Types = append(f.Types, typ)
		}
	}
	if v := q.Get("min_severity"); v != "" {
		sev := event.Severity(v)
		if !event.ValidSeverity(sev) {
			httpx.Error(w, http.StatusBadRequest, "invalid_request", "unknown severity "+v)
			return
		}
		f.MinSeverity = sev
	}
	rng, err := parseRange(r)
	if err != nil {
		badRange(w)
		return
	}
	f.Since, f.Until = rng.Since, rng.Until

	events, next, err := s.queries.ListEvents(r.Context(), f, q.Get("cursor"))
	if err != nil {
		writeStorageError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"events": events, "next_cursor": next})
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	id := s.identity(r)
	ev, err := s.queries.GetEvent(r.Context(), id.TenantID, r.PathValue("id"))
	if err != nil {
		writeStorageError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, ev)
}

// Metrics and cost

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	id := s.identity(r)
	rng, err := parseRange(r)
	if err != nil {
		badRange(w)
		return
	}
	m, err := s.queries.Metrics(r.Context(), id.TenantID, r.URL.Query().Get("agent_id"), rng)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, m)
}

func (s *Server) handleCost(w http.ResponseWriter, r *http.Request) {
	id := s.identity(r)
	rng, err := parseRange(r)
	if err != nil {
		badRange(w)
		return
	}
	groupBy := r.URL.Query().Get("group_by")
	if groupBy == "" {
		groupBy = "agent"
	}
	groups, err := s.queries.CostSummary(r.Context(), id.TenantID, groupBy, rng)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	// Each group is labeled with the dimension it was grouped by, so
	// group_by=model rows read {"model": ..., "cost": ...}.
	rows := make([]map[string]any, 0, len(groups))
	for _, g := range groups {
		rows = append(rows, map[string]any{
			groupBy:      g.Key,
			"calls":      g.Calls,
			"tokens_in":  g.TokensIn,
			"tokens_out": g.TokensOut,
			"cost":       g.Cost,
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"group_by": groupBy, "groups": rows})
}

func (s *Server) handleCostCalls(w http.ResponseWriter, r *http.Request) {
	id := s.identity(r)
	rng, err := parseRange(r)
	if err != nil {
		badRange(w)
		return
	}
	calls, err := s.queries.CostCalls(r.Context(), id.TenantID, rng)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"calls": calls})
}

func (s *Server) handleCostTimeseries(w http.ResponseWriter, r *http.Request) {
	id := s.identity(r)
	rng, err := parseRange(r)
	if err != nil {
		badRange(w)
		return
	}
	series, err := s.queries.CostTimeseries(r.Context(), id.TenantID, rng)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"series": series})
}

func (s *Server) handleLLMCalls(w http.ResponseWriter, r *http.Request) {
	id := s.identity(r)
	q := r.URL.Query()
	calls, next, err := s.queries.LLMCalls(r.Context(), id.TenantID, q.Get("agent_id"), q.Get("cursor"), parseLimit(r))
	if err != nil {
		writeStorageError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"calls": calls, "next_cursor": next})
}

// Insights

func (s *Server) handleInsightAgents(w http.ResponseWriter, r *http.Request) {
	id := s.identity(r)
	rng, err := parseRange(r)
	if err != nil {
		badRange(w)
		return
	}
	out, err := s.queries.AgentInsights(r.Context(), id.TenantID, rng)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"agents": out})
}

func (s *Server) handleInsightModels(w http.ResponseWriter, r *http.Request) {
	id := s.identity(r)
	rng, err := parseRange(r)
	if err != nil {
		badRange(w)
		return
	}
	out, err := s.queries.ModelInsights(r.Context(), id.TenantID, rng)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"models": out})
}

func (s *Server) handleInsightTimeseries(w http.ResponseWriter, r *http.Request) {
	id := s.identity(r)
	rng, err := parseRange(r)
	if err != nil {
		badRange(w)
		return
	}
	out, err := s.queries.TimeseriesInsight(r.Context(), id.TenantID, rng)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"series": out})
}

func (s *Server) handleInsightErrors(w http.ResponseWriter, r *http.Request) {
	id := s.identity(r)
	rng, err := parseRange(r)
	if err != nil {
		badRange(w)
		return
	}
	out, err := s.queries.ErrorInsights(r.Context(), id.TenantID, rng)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (s *Server) handleInsightPrompts(w http.ResponseWriter, r *http.Request) {
	id := s.identity(r)
	rng, err := parseRange(r)
	if err != nil {
		badRange(w)
		return
	}
	out, err := s.queries.PromptInsights(r.Context(), id.TenantID, rng)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"prompts": out})
}

func (s *Server) handleInsightActions(w http.ResponseWriter, r *http.Request) {
	id := s.identity(r)
	rng, err := parseRange(r)
	if err != nil {
		badRange(w)
		return
	}
	out, err := s.queries.ActionInsights(r.Context(), id.TenantID, rng)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"actions": out})
}
