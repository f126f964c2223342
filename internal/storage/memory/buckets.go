package memory

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/hiveboard/hiveboard/internal/storage"
)

// agentBucketLocked returns the bucket for (tenant, agent, hour), creating it
// if needed. Caller holds agentBucketsMu.
func (s *Store) agentBucketLocked(tenantID, agentID string, hour time.Time) *storage.AgentBucket {
	key := bucketKey(tenantID, agentID, hour.Unix())
	b, ok := s.agentBuckets[key]
	if !ok {
		b = &storage.AgentBucket{TenantID: tenantID, AgentID: agentID, Hour: hour}
		s.agentBuckets[key] = b
	}
	return b
}

// modelBucketLocked returns the bucket for (tenant, model, hour), creating it
// if needed. Caller holds modelBucketsMu.
func (s *Store) modelBucketLocked(tenantID, model string, hour time.Time) *storage.ModelBucket {
	key := bucketKey(tenantID, model, hour.Unix())
	b, ok := s.modelBuckets[key]
	if !ok {
		b = &storage.ModelBucket{TenantID: tenantID, Model: model, Hour: hour}
		s.modelBuckets[key] = b
	}
	return b
}

func bucketInRange(hour time.Time, f *storage.BucketFilter) bool {
	if !f.Since.IsZero() && hour.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !hour.Before(f.Until) {
		return false
	}
	return true
}

// ListAgentBuckets returns copies of matching buckets ordered by hour, then
// agent ID.
func (s *Store) ListAgentBuckets(_ context.Context, f storage.BucketFilter) ([]storage.AgentBucket, error) {
	s.agentBucketsMu.RLock()
	defer s.agentBucketsMu.RUnlock()

	var out []storage.AgentBucket
	for _, b := range s.agentBuckets {
		if b.TenantID != f.TenantID {
			continue
		}
		if f.AgentID != "" && b.AgentID != f.AgentID {
			continue
		}
		if !bucketInRange(b.Hour, &f) {
			continue
		}
		out = append(out, copyAgentBucket(b))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Hour.Equal(out[j].Hour) {
			return out[i].Hour.Before(out[j].Hour)
		}
		return out[i].AgentID < out[j].AgentID
	})
	return out, nil
}

// ListModelBuckets returns copies of matching buckets ordered by hour, then
// model.
func (s *Store) ListModelBuckets(_ context.Context, f storage.BucketFilter) ([]storage.ModelBucket, error) {
	s.modelBucketsMu.RLock()
	defer s.modelBucketsMu.RUnlock()

	var out []storage.ModelBucket
	for _, b := range s.modelBuckets {
		if b.TenantID != f.TenantID {
			continue
		}
		if f.Model != "" && b.Model != f.Model {
			continue
		}
		if !bucketInRange(b.Hour, &f) {
			continue
		}
		out = append(out, copyModelBucket(b))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Hour.Equal(out[j].Hour) {
			return out[i].Hour.Before(out[j].Hour)
		}
		return out[i].Model < out[j].Model
	})
	return out, nil
}

// ResetBuckets drops every bucket for a tenant. Used by the aggregate
// rebuild before replaying events.
func (s *Store) ResetBuckets(_ context.Context, tenantID string) error {
	s.agentBucketsMu.Lock()
	for key := range s.agentBuckets {
		if strings.HasPrefix(key, tenantID+"|") {
			delete(s.agentBuckets, key)
		}
	}
	err := s.persist(fileAgentBuckets, s.agentBuckets)
	s.agentBucketsMu.Unlock()
	if err != nil {
		return err
	}

	s.modelBucketsMu.Lock()
	defer s.modelBucketsMu.Unlock()
	for key := range s.modelBuckets {
		if strings.HasPrefix(key, tenantID+"|") {
			delete(s.modelBuckets, key)
		}
	}
	return s.persist(fileModelBuckets, s.modelBuckets)
}

// PruneAggregates removes buckets older than the cutoff across all tenants
// and returns the number removed.
func (s *Store) PruneAggregates(_ context.Context, olderThan time.Time) (int, error) {
	removed := 0

	s.agentBucketsMu.Lock()
	for key, b := range s.agentBuckets {
		if b.Hour.Before(olderThan) {
			delete(s.agentBuckets, key)
			removed++
		}
	}
	var err error
	if removed > 0 {
		err = s.persist(fileAgentBuckets, s.agentBuckets)
	}
	s.agentBucketsMu.Unlock()
	if err != nil {
		return removed, err
	}

	s.modelBucketsMu.Lock()
	defer s.modelBucketsMu.Unlock()
	modelRemoved := 0
	for key, b := range s.modelBuckets {
		if b.Hour.Before(olderThan) {
			delete(s.modelBuckets, key)
			modelRemoved++
		}
	}
	if modelRemoved > 0 {
		if err := s.persist(fileModelBuckets, s.modelBuckets); err != nil {
			return removed + modelRemoved, err
		}
	}
	return removed + modelRemoved, nil
}

func copyUsageMap(m map[string]*storage.Usage) map[string]*storage.Usage {
	if m == nil {
		return nil
	}
	out := make(map[string]*storage.Usage, len(m))
	for k, v := range m {
		u := *v
		out[k] = &u
	}
	return out
}

func copyCountMap(m map[string]int64) map[string]int64 {
	if m == nil {
		return nil
	}
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyAgentBucket(b *storage.AgentBucket) storage.AgentBucket {
	out := *b
	out.ByModel = copyUsageMap(b.ByModel)
	out.ByCallName = copyUsageMap(b.ByCallName)
	out.ByActionName = copyCountMap(b.ByActionName)
	out.ErrorsByType = copyCountMap(b.ErrorsByType)
	out.ErrorsByCat = copyCountMap(b.ErrorsByCat)
	return out
}

func copyModelBucket(b *storage.ModelBucket) storage.ModelBucket {
	out := *b
	out.ByAgent = copyUsageMap(b.ByAgent)
	out.ByCallName = copyUsageMap(b.ByCallName)
	return out
}
