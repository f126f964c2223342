package stream

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hiveboard/hiveboard/internal/query"
	"github.com/hiveboard/hiveboard/internal/storage"
)

// Tracker detects derived-status transitions. It keeps the last observed
// status per (tenant, agent) so each transition, including entering stuck,
// is broadcast exactly once. Ingest feeds it after commit; a periodic sweep
// catches agents that go stuck with no traffic at all.
type Tracker struct {
	hub *Hub

	mu   sync.Mutex
	last map[string]query.Status // tenant + "/" + agent
}

func NewTracker(hub *Hub) *Tracker {
	return &Tracker{hub: hub, last: map[string]query.Status{}}
}

// Observe derives the agent's current status and broadcasts a transition if
// it changed since the last observation. The first observation records the
// status silently.
func (t *Tracker) Observe(now time.Time, a *storage.Agent) {
	status := query.DeriveAgentStatus(now, a)
	key := a.TenantID + "/" + a.AgentID

	t.mu.Lock()
	prev, seen := t.last[key]
	t.last[key] = status
	t.mu.Unlock()

	if !seen || prev == status {
		return
	}

	t.hub.BroadcastStatus(a.TenantID, StatusChange{
		AgentID:             a.AgentID,
		PreviousStatus:      prev,
		NewStatus:           status,
		Timestamp:           now,
		CurrentTaskID:       a.LastTaskID,
		HeartbeatAgeSeconds: query.HeartbeatAge(now, a),
	})
}

// SweepLoop periodically re-derives every agent's status so stuck
// transitions fire even when the agent has gone silent.
func (t *Tracker) SweepLoop(ctx context.Context, backend storage.Backend, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.sweep(ctx, backend, logger)
		}
	}
}

func (t *Tracker) sweep(ctx context.Context, backend storage.Backend, logger *zap.Logger) {
	tenants, err := backend.ListTenants(ctx)
	if err != nil {
		logger.Warn("status sweep: list tenants", zap.Error(err))
		return
	}
	now := time.Now().UTC()
	for _, tenant := range tenants {
		agents, err := backend.ListAgents(ctx, storage.AgentFilter{TenantID: tenant.TenantID})
		if err != nil {
			logger.Warn("status sweep: list agents",
				zap.String("tenant_id", tenant.TenantID), zap.Error(err))
			continue
		}
		for i := range agents {
			t.Observe(now, &agents[i])
		}
	}
}
