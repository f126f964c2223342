// Package alerts evaluates tenant alert rules against accepted events and
// delivers firings to webhooks and the queued email channel. Evaluation and
// delivery are best-effort: failures are logged and never reach the ingest
// caller.
package alerts

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hiveboard/hiveboard/internal/event"
	"github.com/hiveboard/hiveboard/internal/query"
	"github.com/hiveboard/hiveboard/internal/storage"
)

// tickInterval drives the periodic pass for heartbeat_lost and agent_stuck,
// which can fire with no traffic at all.
const tickInterval = 30 * time.Second

// Engine evaluates rules per-batch and on a periodic tick.
type Engine struct {
	backend  storage.Backend
	notifier *Notifier
	logger   *zap.Logger

	evalMu sync.Mutex

	// stuckEpisodes tracks agents already alerted for the current stuck
	// episode so agent_stuck fires once per crossing.
	stuckEpisodes map[string]bool // tenant + "/" + agent
	now           func() time.Time

	onFired func(tenantID string)
}

// SetFiredHook registers a callback invoked after each recorded firing, used
// for the server's own counters.
func (e *Engine) SetFiredHook(fn func(tenantID string)) { e.onFired = fn }

func New(backend storage.Backend, notifier *Notifier, logger *zap.Logger) *Engine {
	return &Engine{
		backend:       backend,
		notifier:      notifier,
		logger:        logger.Named("alerts"),
		stuckEpisodes: map[string]bool{},
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// EvaluateBatch runs every enabled rule against a batch of accepted events.
// Implements ingest.AlertSink.
func (e *Engine) EvaluateBatch(ctx context.Context, tenantID string, events []event.Event) {
	e.evalMu.Lock()
	defer e.evalMu.Unlock()

	rules, err := e.backend.ListAlertRules(ctx, tenantID)
	if err != nil {
		e.logger.Warn("list alert rules", zap.String("tenant_id", tenantID), zap.Error(err))
		return
	}
	now := e.now()
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		fired, agentID, taskID := e.conditionMet(ctx, tenantID, &rule, events, now)
		if !fired {
			continue
		}
		e.fire(ctx, &rule, now, agentID, taskID)
	}
}

// RunLoop periodically re-evaluates the traffic-independent conditions
// (heartbeat_lost, agent_stuck) for every tenant.
func (e *Engine) RunLoop(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *Engine) tick(ctx context.Context) {
	tenants, err := e.backend.ListTenants(ctx)
	if err != nil {
		e.logger.Warn("alert tick: list tenants", zap.Error(err))
		return
	}
	for _, tenant := range tenants {
		e.EvaluateBatch(ctx, tenant.TenantID, nil)
	}
}

// conditionMet dispatches on the rule's condition kind. It returns whether
// the rule fired plus any related agent/task for the history row.
func (e *Engine) conditionMet(ctx context.Context, tenantID string, rule *storage.AlertRule, events []event.Event, now time.Time) (bool, string, string) {
	switch rule.Condition.Kind {
	case storage.CondAgentStuck:
		return e.checkAgentStuck(ctx, tenantID, rule, now)
	case storage.CondTaskFailed:
		return e.checkTaskFailed(ctx, tenantID, rule, events, now)
	case storage.CondErrorRate:
		return e.checkErrorRate(ctx, tenantID, rule, now)
	case storage.CondDurationExceeded:
		return checkDurationExceeded(rule, events)
	case storage.CondHeartbeatLost:
		return e.checkHeartbeatLost(ctx, tenantID, rule, now)
	case storage.CondCostThreshold:
		return e.checkCostThreshold(ctx, tenantID, rule, now)
	}
	e.logger.Warn("unknown condition kind",
		zap.String("rule_id", rule.RuleID), zap.String("kind", rule.Condition.Kind))
	return false, "", ""
}

func (e *Engine) checkAgentStuck(ctx context.Context, tenantID string, rule *storage.AlertRule, now time.Time) (bool, string, string) {
	agents, err := e.backend.ListAgents(ctx, storage.AgentFilter{TenantID: tenantID})
	if err != nil {
		e.logger.Warn("agent_stuck: list agents", zap.Error(err))
		return false, "", ""
	}
	for i := range agents {
		a := &agents[i]
		if rule.Condition.AgentID != "" && a.AgentID != rule.Condition.AgentID {
			continue
		}
		threshold := rule.Condition.StuckThresholdSeconds
		if threshold <= 0 {
			threshold = a.StuckThresholdSeconds
		}
		row := *a
		if threshold > 0 {
			row.StuckThresholdSeconds = threshold
		}
		key := tenantID + "/" + a.AgentID
		if query.DeriveAgentStatus(now, &row) != query.StatusStuck {
			delete(e.stuckEpisodes, key)
			continue
		}
		if e.stuckEpisodes[key] {
			continue
		}
		e.stuckEpisodes[key] = true
		return true, a.AgentID, ""
	}
	return false, "", ""
}

func (e *Engine) checkTaskFailed(ctx context.Context, tenantID string, rule *storage.AlertRule, events []event.Event, now time.Time) (bool, string, string) {
	// Fast path: no threshold means any task_failed in this batch fires.
	if rule.Condition.ThresholdCount <= 0 {
		for i := range events {
			ev := &events[i]
			if ev.Type != event.TypeTaskFailed {
				continue
			}
			if rule.Condition.AgentID != "" && ev.AgentID != rule.Condition.AgentID {
				continue
			}
			return true, ev.AgentID, ev.TaskID
		}
		return false, "", ""
	}

	window := time.Duration(rule.Condition.WindowSeconds) * time.Second
	if window <= 0 {
		window = time.Hour
	}
	n, err := e.backend.CountEvents(ctx, storage.EventFilter{
		TenantID: tenantID,
		AgentID:  rule.Condition.AgentID,
		Types:    []event.Type{event.TypeTaskFailed},
		Since:    now.Add(-window),
	})
	if err != nil {
		e.logger.Warn("task_failed: count events", zap.Error(err))
		return false, "", ""
	}
	return n > rule.Condition.ThresholdCount, rule.Condition.AgentID, ""
}

func (e *Engine) checkErrorRate(ctx context.Context, tenantID string, rule *storage.AlertRule, now time.Time) (bool, string, string) {
	window := time.Duration(rule.Condition.WindowSeconds) * time.Second
	if window <= 0 {
		window = time.Hour
	}
	since := now.Add(-window)

	failed, err := e.backend.CountEvents(ctx, storage.EventFilter{
		TenantID: tenantID,
		AgentID:  rule.Condition.AgentID,
		Types:    []event.Type{event.TypeActionFailed},
		Since:    since,
	})
	if err != nil {
		e.logger.Warn("error_rate: count failed", zap.Error(err))
		return false, "", ""
	}
	// Each finished action contributes one completion or one failure, so the
	// denominator counts actions, not events.
	total, err := e.backend.CountEvents(ctx, storage.EventFilter{
		TenantID: tenantID,
		AgentID:  rule.Condition.AgentID,
		Types:    []event.Type{event.TypeActionCompleted, event.TypeActionFailed},
		Since:    since,
	})
	if err != nil || total == 0 {
		return false, "", ""
	}
	rate := float64(failed) / float64(total) * 100
	return rate > rule.Condition.ThresholdPercent, rule.Condition.AgentID, ""
}

func checkDurationExceeded(rule *storage.AlertRule, events []event.Event) (bool, string, string) {
	for i := range events {
		ev := &events[i]
		if ev.Type != event.TypeTaskCompleted || ev.DurationMS == nil {
			continue
		}
		if rule.Condition.AgentID != "" && ev.AgentID != rule.Condition.AgentID {
			continue
		}
		if *ev.DurationMS > rule.Condition.ThresholdMS {
			return true, ev.AgentID, ev.TaskID
		}
	}
	return false, "", ""
}

func (e *Engine) checkHeartbeatLost(ctx context.Context, tenantID string, rule *storage.AlertRule, now time.Time) (bool, string, string) {
	if rule.Condition.AgentID == "" {
		return false, "", ""
	}
	window := time.Duration(rule.Condition.WindowSeconds) * time.Second
	if window <= 0 {
		return false, "", ""
	}
	a, err := e.backend.GetAgent(ctx, tenantID, rule.Condition.AgentID)
	if err != nil {
		return false, "", ""
	}
	if a.LastHeartbeat.IsZero() || now.Sub(a.LastHeartbeat) > window {
		return true, a.AgentID, ""
	}
	return false, "", ""
}

func (e *Engine) checkCostThreshold(ctx context.Context, tenantID string, rule *storage.AlertRule, now time.Time) (bool, string, string) {
	windowHours := rule.Condition.WindowHours
	if windowHours <= 0 {
		windowHours = 1
	}
	since := now.Add(-time.Duration(windowHours) * time.Hour).Truncate(time.Hour)

	filter := storage.BucketFilter{TenantID: tenantID, Since: since}
	if rule.Condition.Scope == "agent" {
		filter.AgentID = rule.Condition.AgentID
	}

	// Buckets carry no project dimension, so project scope resolves the
	// project's members first and sums only their buckets.
	var members map[string]bool
	if rule.Condition.Scope == "project" {
		agents, err := e.backend.ListAgents(ctx, storage.AgentFilter{
			TenantID:  tenantID,
			ProjectID: rule.Condition.ProjectID,
		})
		if err != nil {
			e.logger.Warn("cost_threshold: list project agents", zap.Error(err))
			return false, "", ""
		}
		members = make(map[string]bool, len(agents))
		for i := range agents {
			members[agents[i].AgentID] = true
		}
	}

	buckets, err := e.backend.ListAgentBuckets(ctx, filter)
	if err != nil {
		e.logger.Warn("cost_threshold: list buckets", zap.Error(err))
		return false, "", ""
	}
	var cost float64
	for i := range buckets {
		if members != nil && !members[buckets[i].AgentID] {
			continue
		}
		cost += buckets[i].Cost
	}
	return cost > rule.Condition.ThresholdUSD, rule.Condition.AgentID, ""
}

// fire records the alert after the cooldown check and dispatches its
// actions.
func (e *Engine) fire(ctx context.Context, rule *storage.AlertRule, now time.Time, agentID, taskID string) {
	if rule.CooldownSeconds > 0 {
		last, found, err := e.backend.LastAlertForRule(ctx, rule.TenantID, rule.RuleID)
		if err != nil {
			e.logger.Warn("cooldown lookup", zap.String("rule_id", rule.RuleID), zap.Error(err))
			return
		}
		if found && now.Sub(last.FiredAt) < time.Duration(rule.CooldownSeconds)*time.Second {
			return
		}
	}

	snapshot, _ := json.Marshal(rule.Condition)
	alert := storage.Alert{
		AlertID:           uuid.NewString(),
		RuleID:            rule.RuleID,
		TenantID:          rule.TenantID,
		RuleName:          rule.Name,
		FiredAt:           now,
		ConditionSnapshot: string(snapshot),
		RelatedAgentID:    agentID,
		RelatedTaskID:     taskID,
	}
	alert.Deliveries = e.notifier.Dispatch(ctx, rule, &alert)

	if err := e.backend.InsertAlert(ctx, alert); err != nil {
		e.logger.Warn("record alert", zap.String("rule_id", rule.RuleID), zap.Error(err))
		return
	}
	if e.onFired != nil {
		e.onFired(rule.TenantID)
	}
	e.logger.Info("alert fired",
		zap.String("tenant_id", rule.TenantID),
		zap.String("rule_id", rule.RuleID),
		zap.String("rule_name", rule.Name),
		zap.String("agent_id", agentID))
}
