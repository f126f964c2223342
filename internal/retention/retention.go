// Package retention runs the background data lifecycle: heartbeat
// compaction, plan-window event deletion and aggregate pruning. A daily cron
// schedule drives it; admins can also trigger a pass manually.
package retention

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/hiveboard/hiveboard/internal/storage"
)

// CompactionWindow is how far back heartbeats stay untouched before
// compaction thins them to one per agent-hour.
const CompactionWindow = 24 * time.Hour

// defaultSchedule runs the pass daily at 03:10 UTC.
const defaultSchedule = "10 3 * * *"

// TenantResult is the per-tenant outcome of one pass.
type TenantResult struct {
	TenantID            string `json:"tenant_id"`
	HeartbeatsCompacted int    `json:"heartbeats_compacted"`
	EventsDeleted       int    `json:"events_deleted"`
}

// Result is one full retention pass.
type Result struct {
	Tenants          []TenantResult `json:"tenants"`
	AggregatesPruned int            `json:"aggregates_pruned"`
	RanAt            time.Time      `json:"ran_at"`
}

// Runner owns the cron schedule and the pass logic.
type Runner struct {
	backend storage.Backend
	logger  *zap.Logger
	cron    *cron.Cron

	runMu sync.Mutex
}

func NewRunner(backend storage.Backend, logger *zap.Logger) *Runner {
	return &Runner{
		backend: backend,
		logger:  logger.Named("retention"),
		cron:    cron.New(),
	}
}

// Start schedules the daily pass. An empty schedule uses the default.
func (r *Runner) Start(schedule string) error {
	if schedule == "" {
		schedule = defaultSchedule
	}
	_, err := r.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if _, err := r.Run(ctx); err != nil {
			r.logger.Error("scheduled retention pass failed", zap.Error(err))
		}
	})
	if err != nil {
		return err
	}
	r.cron.Start()
	return nil
}

// Stop halts the schedule, waiting for a running pass.
func (r *Runner) Stop() {
	<-r.cron.Stop().Done()
}

// Run executes one retention pass over every tenant. Passes serialize; a
// manual trigger overlapping the schedule waits its turn.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	now := time.Now().UTC()
	res := Result{RanAt: now}

	tenants, err := r.backend.ListTenants(ctx)
	if err != nil {
		return res, err
	}

	for _, tenant := range tenants {
		tr := TenantResult{TenantID: tenant.TenantID}

		compacted, err := r.backend.CompactHeartbeats(ctx, tenant.TenantID, now.Add(-CompactionWindow))
		if err != nil {
			r.logger.Error("heartbeat compaction failed",
				zap.String("tenant_id", tenant.TenantID), zap.Error(err))
		} else {
			tr.HeartbeatsCompacted = compacted
		}

		cutoff := now.Add(-storage.RetentionWindow(tenant.Plan))
		deleted, err := r.backend.DeleteEventsBefore(ctx, tenant.TenantID, cutoff)
		if err != nil {
			r.logger.Error("event retention failed",
				zap.String("tenant_id", tenant.TenantID), zap.Error(err))
		} else {
			tr.EventsDeleted = deleted
		}

		r.logger.Info("tenant retention pass",
			zap.String("tenant_id", tenant.TenantID),
			zap.String("plan", tenant.Plan),
			zap.Int("heartbeats_compacted", tr.HeartbeatsCompacted),
			zap.Int("events_deleted", tr.EventsDeleted))
		res.Tenants = append(res.Tenants, tr)
	}

	pruned, err := r.backend.PruneAggregates(ctx, now.Add(-storage.AggregateRetention))
	if err != nil {
		r.logger.Error("aggregate pruning failed", zap.Error(err))
	} else {
		res.AggregatesPruned = pruned
		r.logger.Info("aggregates pruned", zap.Int("buckets", pruned))
	}
	return res, nil
}
