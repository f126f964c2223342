package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/hiveboard/hiveboard/internal/storage"
)

// ApplyIngest commits one accepted batch: event insert with dedup, agent
// cache upsert, project-agent junction rows, and rollup bucket updates for
// every event actually inserted. Locks are taken in the canonical order
// (agents, junction, events, agent buckets, model buckets) and held across
// the whole commit so readers never observe a half-applied batch.
func (s *Store) ApplyIngest(_ context.Context, batch storage.IngestBatch, apply storage.BucketApply) (storage.IngestResult, error) {
	if batch.Agent.AgentID == "" {
		return storage.IngestResult{}, fmt.Errorf("agent_id required: %w", storage.ErrValidation)
	}
	now := time.Now().UTC()

	s.agentsMu.Lock()
	defer s.agentsMu.Unlock()
	s.junctionMu.Lock()
	defer s.junctionMu.Unlock()
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	s.agentBucketsMu.Lock()
	defer s.agentBucketsMu.Unlock()
	s.modelBucketsMu.Lock()
	defer s.modelBucketsMu.Unlock()

	agent := s.upsertAgentLocked(batch.TenantID, batch.Agent, now)

	junctionChanged := false
	for _, projectID := range batch.ProjectLinks {
		key := junctionKey(batch.TenantID, projectID, batch.Agent.AgentID)
		if _, ok := s.junction[key]; !ok {
			s.junction[key] = struct{}{}
			junctionChanged = true
		}
	}

	inserted := s.insertEventsLocked(batch.TenantID, batch.Events)

	// Buckets only see events that survived dedup, so re-ingesting a batch
	// never double-counts.
	for _, ev := range inserted {
		hour := ev.Hour()
		ab := s.agentBucketLocked(batch.TenantID, ev.AgentID, hour)
		apply(ev, ab, func(model string) *storage.ModelBucket {
			mb := s.modelBucketLocked(batch.TenantID, model, hour)
			mb.UpdatedAt = now
			return mb
		})
		ab.UpdatedAt = now
	}

	if err := s.persist(fileAgents, s.agents); err != nil {
		return storage.IngestResult{}, err
	}
	if junctionChanged {
		if err := s.persistJunction(); err != nil {
			return storage.IngestResult{}, err
		}
	}
	if len(inserted) > 0 {
		if err := s.persist(fileEvents, s.events); err != nil {
			return storage.IngestResult{}, err
		}
		if err := s.persist(fileAgentBuckets, s.agentBuckets); err != nil {
			return storage.IngestResult{}, err
		}
		if err := s.persist(fileModelBuckets, s.modelBuckets); err != nil {
			return storage.IngestResult{}, err
		}
	}
	return storage.IngestResult{Inserted: inserted, Agent: agent}, nil
}

// ReplayBuckets re-applies every retained event of a tenant to its buckets.
// Callers reset buckets first; replaying onto live buckets double-counts.
func (s *Store) ReplayBuckets(_ context.Context, tenantID string, apply storage.BucketApply) (int, error) {
	now := time.Now().UTC()

	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	s.agentBucketsMu.Lock()
	defer s.agentBucketsMu.Unlock()
	s.modelBucketsMu.Lock()
	defer s.modelBucketsMu.Unlock()

	replayed := 0
	for _, ev := range s.events[tenantID] {
		hour := ev.Hour()
		ab := s.agentBucketLocked(tenantID, ev.AgentID, hour)
		apply(ev, ab, func(model string) *storage.ModelBucket {
			mb := s.modelBucketLocked(tenantID, model, hour)
			mb.UpdatedAt = now
			return mb
		})
		ab.UpdatedAt = now
		replayed++
	}
	if replayed == 0 {
		return 0, nil
	}
	if err := s.persist(fileAgentBuckets, s.agentBuckets); err != nil {
		return replayed, err
	}
	return replayed, s.persist(fileModelBuckets, s.modelBuckets)
}
