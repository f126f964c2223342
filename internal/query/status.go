package query

import (
	"context"
	"time"

	"github.com/hiveboard/hiveboard/internal/event"
	"github.com/hiveboard/hiveboard/internal/storage"
)

// Status is the derived agent status.
type Status string

const (
	StatusStuck           Status = "stuck"
	StatusError           Status = "error"
	StatusWaitingApproval Status = "waiting_approval"
	StatusProcessing      Status = "processing"
	StatusIdle            Status = "idle"
)

// DeriveAgentStatus applies the priority cascade to an agent cache row. It
// is a pure function of (now, row).
func DeriveAgentStatus(now time.Time, a *storage.Agent) Status {
	threshold := a.StuckThresholdSeconds
	if threshold <= 0 {
		threshold = DefaultStuckThresholdSeconds
	}
	if a.LastHeartbeat.IsZero() || now.Sub(a.LastHeartbeat) > time.Duration(threshold)*time.Second {
		return StatusStuck
	}
	switch a.LastEventType {
	case event.TypeTaskFailed, event.TypeActionFailed:
		return StatusError
	case event.TypeApprovalRequested:
		return StatusWaitingApproval
	case event.TypeTaskStarted, event.TypeActionStarted:
		return StatusProcessing
	}
	return StatusIdle
}

// HeartbeatAge returns seconds since the last heartbeat, or -1 when the
// agent has never sent one.
func HeartbeatAge(now time.Time, a *storage.Agent) int64 {
	if a.LastHeartbeat.IsZero() {
		return -1
	}
	return int64(now.Sub(a.LastHeartbeat).Seconds())
}

// Stats1h is the trailing-hour activity summary on an agent view.
type Stats1h struct {
	TasksCompleted int64   `json:"tasks_completed"`
	TasksFailed    int64   `json:"tasks_failed"`
	SuccessRate    float64 `json:"success_rate"`
	AvgDurationMS  int64   `json:"avg_duration_ms"`
	TotalCost      float64 `json:"total_cost"`
}

// AgentView is the agent cache row plus derived fields.
type AgentView struct {
	storage.Agent
	DerivedStatus       Status   `json:"derived_status"`
	HeartbeatAgeSeconds int64    `json:"heartbeat_age_seconds"`
	Projects            []string `json:"projects,omitempty"`
	Stats1h             Stats1h  `json:"stats_1h"`
}

// ListAgents returns agent views for the tenant with derived status and
// trailing-hour stats.
func (e *Engine) ListAgents(ctx context.Context, f storage.AgentFilter) ([]AgentView, error) {
	agents, err := e.backend.ListAgents(ctx, f)
	if err != nil {
		return nil, err
	}
	now := e.now()
	out := make([]AgentView, 0, len(agents))
	for i := range agents {
		view, err := e.agentView(ctx, now, &agents[i])
		if err != nil {
			return nil, err
		}
		out = append(out, view)
	}
	return out, nil
}

// GetAgent returns one agent view.
func (e *Engine) GetAgent(ctx context.Context, tenantID, agentID string) (AgentView, error) {
	a, err := e.backend.GetAgent(ctx, tenantID, agentID)
	if err != nil {
		return AgentView{}, err
	}
	return e.agentView(ctx, e.now(), &a)
}

func (e *Engine) agentView(ctx context.Context, now time.Time, a *storage.Agent) (AgentView, error) {
	projects, err := e.backend.ListAgentProjects(ctx, a.TenantID, a.AgentID)
	if err != nil {
		return AgentView{}, err
	}
	stats, err := e.stats1h(ctx, now, a)
	if err != nil {
		return AgentView{}, err
	}
	return AgentView{
		Agent:               *a,
		DerivedStatus:       DeriveAgentStatus(now, a),
		HeartbeatAgeSeconds: HeartbeatAge(now, a),
		Projects:            projects,
		Stats1h:             stats,
	}, nil
}

func (e *Engine) stats1h(ctx context.Context, now time.Time, a *storage.Agent) (Stats1h, error) {
	evs, err := e.backend.ListEvents(ctx, storage.EventFilter{
		TenantID: a.TenantID,
		AgentID:  a.AgentID,
		Since:    now.Add(-time.Hour),
	})
	if err != nil {
		return Stats1h{}, err
	}

	var s Stats1h
	var durationSum, durationCount int64
	for i := range evs {
		ev := &evs[i]
		switch ev.Type {
		case event.TypeTaskCompleted:
			s.TasksCompleted++
			if ev.DurationMS != nil {
				durationSum += *ev.DurationMS
				durationCount++
			}
		case event.TypeTaskFailed:
			s.TasksFailed++
			if ev.DurationMS != nil {
				durationSum += *ev.DurationMS
				durationCount++
			}
		}
		if p, perr := event.ParsePayload(ev.Payload); perr == nil {
			if call, ok := p.LLMCall(); ok {
				s.TotalCost += call.Cost
			}
		}
	}
	if total := s.TasksCompleted + s.TasksFailed; total > 0 {
		s.SuccessRate = float64(s.TasksCompleted) / float64(total)
	}
	if durationCount > 0 {
		s.AvgDurationMS = durationSum / durationCount
	}
	return s, nil
}
