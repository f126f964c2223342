package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hiveboard/hiveboard/internal/storage"
)

// applyAgentUpdate folds an update into an existing cache row with COALESCE
// semantics: only non-zero update fields replace existing values, last_seen
// only moves forward.
func applyAgentUpdate(a *storage.Agent, upd storage.AgentUpdate) {
	if upd.AgentType != "" {
		a.AgentType = upd.AgentType
	}
	if upd.AgentVersion != "" {
		a.AgentVersion = upd.AgentVersion
	}
	if upd.Framework != "" {
		a.Framework = upd.Framework
	}
	if upd.Runtime != "" {
		a.Runtime = upd.Runtime
	}
	if upd.SDKVersion != "" {
		a.SDKVersion = upd.SDKVersion
	}
	if upd.Environment != "" {
		a.Environment = upd.Environment
	}
	if upd.Group != "" {
		a.Group = upd.Group
	}
	if upd.LastSeen.After(a.LastSeen) {
		a.LastSeen = upd.LastSeen
	}
	if upd.LastHeartbeat.After(a.LastHeartbeat) {
		a.LastHeartbeat = upd.LastHeartbeat
	}
	if upd.LastEventType != "" {
		a.LastEventType = upd.LastEventType
	}
	if upd.LastTaskID != "" {
		a.LastTaskID = upd.LastTaskID
	}
	if upd.LastProjectID != "" {
		a.LastProjectID = upd.LastProjectID
	}
	if len(upd.HeartbeatPayload) > 0 {
		a.HeartbeatPayload = upd.HeartbeatPayload
	}
	if len(upd.QueueState) > 0 {
		a.QueueState = upd.QueueState
	}
	if upd.StuckThresholdSeconds > 0 {
		a.StuckThresholdSeconds = upd.StuckThresholdSeconds
	}
}

// upsertAgentLocked creates or updates the cache row. Caller holds agentsMu.
func (s *Store) upsertAgentLocked(tenantID string, upd storage.AgentUpdate, now time.Time) storage.Agent {
	key := agentKey(tenantID, upd.AgentID)
	a, ok := s.agents[key]
	if !ok {
		a = storage.Agent{
			TenantID:  tenantID,
			AgentID:   upd.AgentID,
			FirstSeen: now,
		}
	}
	applyAgentUpdate(&a, upd)
	s.agents[key] = a
	return a
}

func (s *Store) UpsertAgent(_ context.Context, tenantID string, upd storage.AgentUpdate) (storage.Agent, error) {
	if upd.AgentID == "" {
		return storage.Agent{}, fmt.Errorf("agent_id required: %w", storage.ErrValidation)
	}

	s.agentsMu.Lock()
	defer s.agentsMu.Unlock()

	a := s.upsertAgentLocked(tenantID, upd, time.Now().UTC())
	return a, s.persist(fileAgents, s.agents)
}

func (s *Store) GetAgent(_ context.Context, tenantID, agentID string) (storage.Agent, error) {
	s.agentsMu.RLock()
	defer s.agentsMu.RUnlock()

	a, ok := s.agents[agentKey(tenantID, agentID)]
	if !ok {
		return storage.Agent{}, fmt.Errorf("agent %s: %w", agentID, storage.ErrNotFound)
	}
	return a, nil
}

func (s *Store) ListAgents(_ context.Context, f storage.AgentFilter) ([]storage.Agent, error) {
	var projectAgents map[string]struct{}
	if f.ProjectID != "" {
		projectAgents = map[string]struct{}{}
		s.junctionMu.RLock()
		prefix := f.TenantID + "/" + f.ProjectID + "/"
		for row := range s.junction {
			if strings.HasPrefix(row, prefix) {
				projectAgents[strings.TrimPrefix(row, prefix)] = struct{}{}
			}
		}
		s.junctionMu.RUnlock()
	}

	s.agentsMu.RLock()
	defer s.agentsMu.RUnlock()

	var out []storage.Agent
	for _, a := range s.agents {
		if a.TenantID != f.TenantID {
			continue
		}
		if f.Environment != "" && a.Environment != f.Environment {
			continue
		}
		if f.Group != "" && a.Group != f.Group {
			continue
		}
		if projectAgents != nil {
			if _, ok := projectAgents[a.AgentID]; !ok {
				continue
			}
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

func (s *Store) LinkProjectAgent(_ context.Context, tenantID, projectID, agentID string) error {
	s.junctionMu.Lock()
	defer s.junctionMu.Unlock()

	key := junctionKey(tenantID, projectID, agentID)
	if _, ok := s.junction[key]; ok {
		return nil
	}
	s.junction[key] = struct{}{}
	return s.persistJunction()
}

func (s *Store) ListAgentProjects(_ context.Context, tenantID, agentID string) ([]string, error) {
	s.junctionMu.RLock()
	defer s.junctionMu.RUnlock()

	var out []string
	prefix := tenantID + "/"
	suffix := "/" + agentID
	for row := range s.junction {
		if strings.HasPrefix(row, prefix) && strings.HasSuffix(row, suffix) {
			projectID := strings.TrimSuffix(strings.TrimPrefix(row, prefix), suffix)
			out = append(out, projectID)
		}
	}
	sort.Strings(out)
	return out, nil
}
